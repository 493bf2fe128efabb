package tapehardware

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	. "tbk/utils"
)

// Generation is the LTO generation of a cartridge, GenerationNone for an
// empty drive or an unknown medium.
type Generation int

const (
	GenerationNone Generation = 0
	LTO1           Generation = 1
	LTO2           Generation = 2
	LTO3           Generation = 3
	LTO4           Generation = 4
	LTO5           Generation = 5
	LTO6           Generation = 6
	LTO7           Generation = 7
	LTO8           Generation = 8
	LTO9           Generation = 9
	LTO10          Generation = 10
	// type M8 cartridges are never reported by mode sense, only set manually
	LTO7M8 Generation = 0xff
)

func (g Generation) String() string {
	switch g {
	case GenerationNone:
		return "NONE"
	case LTO7M8:
		return "LTO7-M8"
	}
	return fmt.Sprintf("LTO%d", int(g))
}

// ParseGeneration accepts "LTO8", "lto-8", "8", "LTO7-M8" and "NONE".
func ParseGeneration(s string) (Generation, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	switch name {
	case "", "NONE":
		return GenerationNone, nil
	case "LTO7-M8", "LTO-7-M8", "M8":
		return LTO7M8, nil
	}
	name = strings.TrimPrefix(strings.TrimPrefix(name, "LTO"), "-")
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 || n > 15 {
		return GenerationNone, ErrInvalidArgument.WithMessagef("unknown lto generation %q", s)
	}
	return Generation(n), nil
}

type OnlineState string

const (
	NoTape       OnlineState = "NoTape"
	WriteProtect OnlineState = "WriteProtect"
	Online       OnlineState = "Online"
)

const DefaultBlockSize = "256K"

// Tape is the medium currently in a drive. Only BeginOfTape changes after
// it was decoded.
type Tape struct {
	Generation     Generation  `json:"generation" yaml:"generation"`
	NativeCapacity int64       `json:"nativeCapacity" yaml:"nativeCapacity"`
	WriteProtected bool        `json:"writeProtected" yaml:"writeProtected"`
	BeginOfTape    bool        `json:"beginOfTape" yaml:"beginOfTape"`
	State          OnlineState `json:"state" yaml:"state"`
	BlockSize      string      `json:"blockSize" yaml:"blockSize"`
}

// Present reports whether a cartridge is loaded.
func (t Tape) Present() bool {
	return t.State != NoTape && t.State != ""
}

// SenseLayout names the MODE SENSE(10) header bytes that form the tape
// identifier.
type SenseLayout struct {
	MediumTypeOffset  int `mapstructure:"medium_type_offset" json:"mediumTypeOffset"`
	DeviceParamOffset int `mapstructure:"device_param_offset" json:"deviceParamOffset"`
}

// Decoder turns SCSI responses into Identity and Tape values. Every drive
// owns its own decoder so tables can be overridden per drive.
type Decoder struct {
	Capacities       map[Generation]int64
	Sense            SenseLayout
	DefaultBlockSize string
}

func NewDecoder() *Decoder {
	return &Decoder{
		Capacities: map[Generation]int64{
			LTO1:   100e9,
			LTO2:   200e9,
			LTO3:   300e9,
			LTO4:   800e9,
			LTO5:   1500e9,
			LTO6:   2500e9,
			LTO7:   6e12,
			LTO8:   12e12,
			LTO9:   18e12,
			LTO10:  30e12,
			LTO7M8: 9e12,
		},
		Sense:            SenseLayout{MediumTypeOffset: 2, DeviceParamOffset: 3},
		DefaultBlockSize: DefaultBlockSize,
	}
}

// Identifier extracts the four hex digit tape identifier from a MODE SENSE
// response.
func (d *Decoder) Identifier(sense []byte) (string, error) {
	last := d.Sense.MediumTypeOffset
	if d.Sense.DeviceParamOffset > last {
		last = d.Sense.DeviceParamOffset
	}
	if len(sense) <= last {
		return "", ErrDecode.WithMessagef("mode sense returned %d bytes", len(sense))
	}
	return fmt.Sprintf("%02x%02x", sense[d.Sense.MediumTypeOffset], sense[d.Sense.DeviceParamOffset]), nil
}

// Decode reads identifier [g][t][w][_]: g is the generation, t is 8 when a
// cartridge is present and bit 3 of w is write protection. A capacity may
// only be given for generation NONE; an empty block size uses the default.
func (d *Decoder) Decode(id, blockSize string, capacity int64) (Tape, error) {
	if len(id) != 4 {
		return Tape{}, ErrDecode.WithMessagef("tape identifier %q is not 4 hex digits", id)
	}
	digits := make([]int, 4)
	for i, c := range id {
		n, err := strconv.ParseUint(string(c), 16, 8)
		if err != nil {
			return Tape{}, ErrDecode.WithMessagef("tape identifier %q is not hex", id)
		}
		digits[i] = int(n)
	}
	if blockSize == "" {
		blockSize = d.DefaultBlockSize
	}
	t := Tape{
		Generation:     Generation(digits[0]),
		WriteProtected: digits[2]&0x8 != 0,
		BlockSize:      blockSize,
	}
	t.NativeCapacity = d.Capacities[t.Generation]
	if capacity > 0 {
		if t.Generation != GenerationNone {
			return Tape{}, ErrInvalidArgument.WithMessagef("capacity of %s tapes is fixed", t.Generation)
		}
		t.NativeCapacity = capacity
	}
	switch {
	case digits[1] != 8:
		t.State = NoTape
	case t.WriteProtected:
		t.State = WriteProtect
	default:
		t.State = Online
	}
	return t, nil
}

// Identity is what INQUIRY reports about a drive.
type Identity struct {
	Vendor string `json:"vendor" yaml:"vendor"`
	Model  string `json:"model" yaml:"model"`
	Serial string `json:"serial" yaml:"serial"`
}

// inquiryLength is the device identification page length we ask for.
const inquiryLength = 42

// DecodeInquiry reads vendor (bytes 8-15), model (16-31) and serial
// (32-41). A serial that is not printable ASCII is rendered as 0x<hex>.
func DecodeInquiry(data []byte) (Identity, error) {
	if len(data) < inquiryLength {
		return Identity{}, ErrDecode.WithMessagef("inquiry returned %d bytes, need %d", len(data), inquiryLength)
	}
	id := Identity{
		Vendor: trimField(data[8:16]),
		Model:  trimField(data[16:32]),
	}
	serial := data[32:42]
	if printable(serial) {
		id.Serial = trimField(serial)
	} else {
		id.Serial = "0x" + hex.EncodeToString(serial)
	}
	return id, nil
}

func trimField(b []byte) string {
	return strings.TrimSpace(strings.TrimRight(string(b), "\x00"))
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
