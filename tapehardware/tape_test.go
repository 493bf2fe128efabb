package tapehardware_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "tbk/tapehardware"
	. "tbk/utils"
)

func TestDecodeTape(t *testing.T) {
	d := NewDecoder()
	tests := []struct {
		name      string
		id        string
		blockSize string
		capacity  int64
		want      Tape
	}{
		{"LTO3 online", "3810", "", 0, Tape{Generation: LTO3, NativeCapacity: 300e9, State: Online, BlockSize: "256K"}},
		{"LTO8 write protected", "8890", "1G", 0, Tape{Generation: LTO8, NativeCapacity: 12e12, WriteProtected: true, State: WriteProtect, BlockSize: "1G"}},
		{"custom tape", "0810", "", 5e9, Tape{Generation: GenerationNone, NativeCapacity: 5e9, State: Online, BlockSize: "256K"}},
		{"empty drive", "0000", "", 0, Tape{Generation: GenerationNone, State: NoTape, BlockSize: "256K"}},
		{"LTO9", "9810", "512K", 0, Tape{Generation: LTO9, NativeCapacity: 18e12, State: Online, BlockSize: "512K"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Decode(tt.id, tt.blockSize, tt.capacity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeTapeRejects(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode("38", "", 0)
	assert.True(t, errors.Is(err, ErrDecode))
	_, err = d.Decode("zz10", "", 0)
	assert.True(t, errors.Is(err, ErrDecode))
	_, err = d.Decode("3810", "", 1e9)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestDecoderTablesArePerInstance(t *testing.T) {
	a := NewDecoder()
	a.Capacities[LTO3] = 1
	b := NewDecoder()
	tape, err := b.Decode("3810", "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(300e9), tape.NativeCapacity)
}

func TestIdentifier(t *testing.T) {
	d := NewDecoder()
	id, err := d.Identifier([]byte{0x00, 0xe7, 0x88, 0x90, 0x00})
	require.NoError(t, err)
	assert.Equal(t, "8890", id)

	d.Sense = SenseLayout{MediumTypeOffset: 3, DeviceParamOffset: 4}
	id, err = d.Identifier([]byte{0x00, 0x00, 0xe7, 0x38, 0x10})
	require.NoError(t, err)
	assert.Equal(t, "3810", id)

	_, err = d.Identifier([]byte{0x00})
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestDecodeInquiry(t *testing.T) {
	raw := []byte("\x01\x83\x00\x26\x02\x01\x00\x22IBM     ULTRIUM-TD3     1210173183")
	id, err := DecodeInquiry(raw)
	require.NoError(t, err)
	assert.Equal(t, Identity{Vendor: "IBM", Model: "ULTRIUM-TD3", Serial: "1210173183"}, id)

	binary := append(append([]byte{}, raw[:32]...), 0x31, 0xff, 0x57, 0x54, 0x30, 0x38, 0x33, 0x36, 0x02, 0x31)
	id, err = DecodeInquiry(binary)
	require.NoError(t, err)
	assert.Equal(t, "0x31ff5754303833360231", id.Serial)

	_, err = DecodeInquiry(raw[:20])
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestParseGeneration(t *testing.T) {
	for in, want := range map[string]Generation{"LTO8": LTO8, "lto-5": LTO5, "3": LTO3, "NONE": GenerationNone, "LTO7-M8": LTO7M8} {
		got, err := ParseGeneration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseGeneration("DLT")
	assert.Error(t, err)
	assert.Equal(t, "LTO7-M8", LTO7M8.String())
	assert.Equal(t, "LTO10", LTO10.String())
}

func TestDiscover(t *testing.T) {
	sys := t.TempDir()
	mk := func(parts ...string) {
		require.NoError(t, os.MkdirAll(filepath.Join(append([]string{sys, "class", "scsi_generic"}, parts...)...), 0755))
	}
	mk("sg0", "device")                         // a disk
	mk("sg10", "device", "scsi_tape", "nst1")   // second drive
	mk("sg2", "device", "scsi_tape", "nst0")    // first drive
	mk("sg2", "device", "scsi_tape", "nst0a")   // alternate mode device, ignored
	mk("sg3", "device", "scsi_tape", "st_junk") // not a tape node

	devices, err := Discover(sys)
	require.NoError(t, err)
	assert.Equal(t, []DriveDevice{
		{Device: "/dev/nst0", Generic: "/dev/sg2"},
		{Device: "/dev/nst1", Generic: "/dev/sg10"},
	}, devices)
}

func TestSCSICommands(t *testing.T) {
	c := NewSCSICommands("/dev/nst0", "/dev/sg1")
	assert.Equal(t, "sg_raw -b -r 1k '/dev/sg1' 12 01 83 00 2a 00", c.Inquiry())
	assert.Equal(t, "mt -f '/dev/nst0' rewind", c.Rewind())
	assert.Equal(t, "mt -f '/dev/nst0' eject", c.Eject())
	assert.Equal(t, "dd if='/data/a b' of='/dev/nst0' bs=256K status=progress", c.Write("/data/a b", "256K"))
	assert.Equal(t, "dd if='/dev/nst0' of='/restore/a' bs=1G status=progress", c.Read("/restore/a", "1G"))
}
