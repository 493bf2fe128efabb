package tapehardware_test

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbk/files"
	. "tbk/tapehardware"
	"tbk/toc"
	. "tbk/utils"
)

type simDrive struct {
	drive    *TapeDrive
	driveDir string
	tapeDir  string
}

// newSimDrive builds a drive directory with a loaded cartridge and refreshes
// the drive once so it is identified.
func newSimDrive(t *testing.T, generation Generation, writeProtected bool) simDrive {
	t.Helper()
	root := t.TempDir()
	driveDir := filepath.Join(root, "drive")
	tapeDir := filepath.Join(root, "tape")
	require.NoError(t, CreateSimulatedDrive(driveDir, Identity{Vendor: "TBK", Model: "SIM-DRIVE", Serial: "SN00000001"}))
	require.NoError(t, CreateSimulatedTape(tapeDir, generation, writeProtected))
	require.NoError(t, LoadSimulatedTape(driveDir, tapeDir))

	drive := NewTapeDrive("sim0", NewSimulatedCommands(driveDir), DriveOptions{TempDir: t.TempDir()}, nil)
	waitIdle(t, drive)
	require.Equal(t, DriveIdle, drive.State(), drive.Messages())
	return simDrive{drive: drive, driveDir: driveDir, tapeDir: tapeDir}
}

func waitIdle(t *testing.T, d *TapeDrive) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}

func rewind(t *testing.T, d *TapeDrive) {
	t.Helper()
	require.NoError(t, d.Rewind())
	waitIdle(t, d)
	require.True(t, d.Tape().BeginOfTape)
}

func dataFile(t *testing.T, dir, name, content string) *files.Handle {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	h, err := files.Open(0, path, files.Options{})
	require.NoError(t, err)
	return h
}

func TestIdentify(t *testing.T) {
	sim := newSimDrive(t, LTO8, false)
	assert.Equal(t, Identity{Vendor: "TBK", Model: "SIM-DRIVE", Serial: "SN00000001"}, sim.drive.Identity())
	tape := sim.drive.Tape()
	assert.Equal(t, LTO8, tape.Generation)
	assert.Equal(t, Online, tape.State)
	assert.Equal(t, int64(12e12), tape.NativeCapacity)
	// position is unknown until the first rewind
	assert.False(t, tape.BeginOfTape)
}

func TestRewindAtBeginningIsNoop(t *testing.T) {
	sim := newSimDrive(t, LTO5, false)
	rewind(t, sim.drive)
	last := sim.drive.LastCommand()
	require.NoError(t, sim.drive.Rewind())
	assert.Equal(t, DriveIdle, sim.drive.State())
	assert.Same(t, last, sim.drive.LastCommand())
}

func TestWriteAndReadBack(t *testing.T) {
	sim := newSimDrive(t, LTO6, false)
	d := sim.drive
	src := t.TempDir()
	rewind(t, d)

	a := dataFile(t, src, "a.txt", "first file")
	b := dataFile(t, src, "b.txt", "second, longer file")
	contents := toc.New([]*files.Handle{a, b}, d.Tape().Generation.String(), d.BlockSize(), d.Tape().NativeCapacity)

	require.NoError(t, d.WriteTOC(contents))
	assert.Equal(t, DriveWriteToc, d.State())
	waitIdle(t, d)
	assert.False(t, d.Tape().BeginOfTape)

	for _, h := range []*files.Handle{a, b} {
		require.NoError(t, d.Write(h))
		assert.Equal(t, h, d.CurrentFile())
		waitIdle(t, d)
		assert.Nil(t, d.CurrentFile())
	}

	// the toc can only be written at the beginning
	assert.True(t, errors.Is(d.WriteTOC(contents), ErrRewindRequired))
	_, err := d.ReadTOC(context.Background())
	assert.True(t, errors.Is(err, ErrRewindRequired))

	rewind(t, d)
	read, err := d.ReadTOC(context.Background())
	require.NoError(t, err)
	require.Len(t, read.Files, 2)
	assert.Equal(t, "a.txt", read.Files[0].Filename)
	assert.Equal(t, contents.BackupID, read.BackupID)

	dst := t.TempDir()
	for _, entry := range read.Files {
		h, err := files.Open(entry.ID, filepath.Join(dst, entry.Filename), files.Options{Create: true})
		require.NoError(t, err)
		require.NoError(t, d.Read(h))
		waitIdle(t, d)
		assert.Equal(t, entry.Size, h.Size())
	}
	got, err := os.ReadFile(filepath.Join(dst, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second, longer file", string(got))
}

func TestBusyDriveRejectsOperations(t *testing.T) {
	sim := newSimDrive(t, LTO7, false)
	d := sim.drive
	rewind(t, d)
	h := dataFile(t, t.TempDir(), "x.bin", "x")

	require.NoError(t, d.Write(h))
	assert.True(t, errors.Is(d.Rewind(), ErrInvalidState))
	assert.True(t, errors.Is(d.Write(h), ErrInvalidState))
	assert.True(t, errors.Is(d.Eject(), ErrInvalidState))
	waitIdle(t, d)
}

func TestWriteProtected(t *testing.T) {
	sim := newSimDrive(t, LTO8, true)
	d := sim.drive
	assert.Equal(t, WriteProtect, d.Tape().State)
	err := d.Write(dataFile(t, t.TempDir(), "x.bin", "x"))
	assert.True(t, errors.Is(err, ErrWriteProtected))
	assert.Equal(t, DriveIdle, d.State())
}

func TestFailedReadIsSticky(t *testing.T) {
	sim := newSimDrive(t, LTO4, false)
	d := sim.drive
	rewind(t, d)

	// blank tape, nothing to read
	h, err := files.Open(0, filepath.Join(t.TempDir(), "out"), files.Options{Create: true})
	require.NoError(t, err)
	require.NoError(t, d.Read(h))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, d.WaitIdle(ctx))
	assert.Equal(t, DriveError, d.State())
	assert.Nil(t, d.CurrentFile())

	d.Refresh()
	assert.Equal(t, DriveError, d.State())
	assert.True(t, errors.Is(d.Rewind(), ErrInvalidState))

	status := d.Status()
	assert.Equal(t, DriveError, status.State)
	assert.Contains(t, status.LastErrorMessage, "Read failed")
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(status.State))

	d.ClearError()
	assert.Equal(t, DriveIdle, d.State())
	waitIdle(t, d)
	assert.False(t, d.Tape().BeginOfTape)
	rewind(t, d)
}

func TestEject(t *testing.T) {
	sim := newSimDrive(t, LTO5, false)
	d := sim.drive
	require.NoError(t, d.Eject())
	waitIdle(t, d)
	assert.Equal(t, NoTape, d.Tape().State)
	assert.True(t, errors.Is(d.Write(dataFile(t, t.TempDir(), "x", "x")), ErrInvalidState))
	assert.True(t, errors.Is(d.Rewind(), ErrInvalidState))

	// putting the cartridge back leaves it at the beginning
	require.NoError(t, LoadSimulatedTape(sim.driveDir, sim.tapeDir))
	require.NoError(t, d.Identify())
	waitIdle(t, d)
	assert.Equal(t, Online, d.Tape().State)
	assert.True(t, d.Tape().BeginOfTape)
}

// slowCommands turns every write into a long sleep
type slowCommands struct {
	*SimulatedCommands
}

func (s slowCommands) Write(file, blockSize string) string {
	return "sleep 30"
}

func TestCancelOperation(t *testing.T) {
	sim := newSimDrive(t, LTO8, false)
	d := NewTapeDrive("slow", slowCommands{NewSimulatedCommands(sim.driveDir)}, DriveOptions{}, nil)
	waitIdle(t, d)
	rewind(t, d)

	assert.True(t, errors.Is(d.CancelOperation(), ErrInvalidState))
	require.NoError(t, d.Write(dataFile(t, t.TempDir(), "x", "x")))
	start := time.Now()
	require.NoError(t, d.CancelOperation())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, DriveError, d.State())
	assert.Contains(t, d.Messages(), "[INFO] Write operation terminated by user.")
	assert.False(t, d.Tape().BeginOfTape)
}

func TestEjectFromError(t *testing.T) {
	sim := newSimDrive(t, LTO8, false)
	d := NewTapeDrive("slow", slowCommands{NewSimulatedCommands(sim.driveDir)}, DriveOptions{}, nil)
	waitIdle(t, d)
	rewind(t, d)
	require.NoError(t, d.Write(dataFile(t, t.TempDir(), "x", "x")))
	require.NoError(t, d.CancelOperation())
	require.Equal(t, DriveError, d.State())

	require.NoError(t, d.Eject())
	assert.Equal(t, DriveEject, d.State())
	waitIdle(t, d)
	assert.Equal(t, NoTape, d.Tape().State)
	_, err := os.Lstat(filepath.Join(sim.driveDir, "tape"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestEjectDropsTapeOverride(t *testing.T) {
	sim := newSimDrive(t, LTO6, false)
	d := sim.drive
	d.OverrideTape(&Tape{Generation: GenerationNone, NativeCapacity: 5e9, State: Online, BlockSize: "64K"})
	require.NoError(t, d.Identify())
	waitIdle(t, d)
	require.Equal(t, int64(5e9), d.Tape().NativeCapacity)

	require.NoError(t, d.Eject())
	waitIdle(t, d)
	assert.Equal(t, NoTape, d.Tape().State)
	assert.False(t, d.Tape().BeginOfTape)
}

// slowInquiry answers INQUIRY after a delay
type slowInquiry struct {
	*SimulatedCommands
	delay string
}

func (s slowInquiry) Inquiry() string {
	return "sleep " + s.delay + "; " + s.SimulatedCommands.Inquiry()
}

func TestStatusDuringIdentification(t *testing.T) {
	sim := newSimDrive(t, LTO7, false)
	d := NewTapeDrive("slowid", slowInquiry{NewSimulatedCommands(sim.driveDir), "1"}, DriveOptions{}, nil)

	start := time.Now()
	status := d.Status()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, DriveIdentify, status.State)
	assert.Equal(t, http.StatusAccepted, HTTPStatus(status.State))
	assert.True(t, errors.Is(d.Rewind(), ErrInvalidState))

	start = time.Now()
	assert.Equal(t, DriveIdentify, d.State())
	d.Refresh()
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	waitIdle(t, d)
	assert.Equal(t, "SN00000001", d.Identity().Serial)
	assert.Equal(t, LTO7, d.Tape().Generation)
}

func TestIdentificationTimeout(t *testing.T) {
	sim := newSimDrive(t, LTO7, false)
	d := NewTapeDrive("hung", slowInquiry{NewSimulatedCommands(sim.driveDir), "30"}, DriveOptions{IdentifyTicks: 5}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := d.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, DriveError, state)
	assert.Contains(t, d.LastMessage(), "INQUIRY")
	assert.Contains(t, d.LastMessage(), "Timeout reached")
}

func TestOverrides(t *testing.T) {
	sim := newSimDrive(t, LTO3, false)
	d := sim.drive
	d.OverrideTape(&Tape{Generation: GenerationNone, NativeCapacity: 5e9, State: Online, BlockSize: "64K"})
	d.OverrideIdentity(&Identity{Vendor: "ACME", Model: "X", Serial: "1"})
	require.NoError(t, d.Identify())
	assert.Equal(t, int64(5e9), d.Tape().NativeCapacity)
	assert.Equal(t, "ACME", d.Identity().Vendor)

	d.OverrideTape(nil)
	d.OverrideIdentity(nil)
	require.NoError(t, d.Identify())
	waitIdle(t, d)
	assert.Equal(t, LTO3, d.Tape().Generation)
	assert.Equal(t, "TBK", d.Identity().Vendor)
}

func TestStatusSummary(t *testing.T) {
	sim := newSimDrive(t, LTO8, false)
	status := sim.drive.Status()
	assert.Equal(t, StatusSummary{Alias: "sim0", State: DriveIdle, CurrentFileID: -1}, status)
	assert.Equal(t, http.StatusOK, HTTPStatus(status.State))
	assert.Equal(t, http.StatusAccepted, HTTPStatus(DriveWrite))

	detail := sim.drive.Detail()
	assert.Equal(t, sim.driveDir, detail.DevicePath)
	assert.Equal(t, LTO8, detail.Tape.Generation)
	require.NotNil(t, detail.LastCommand)

	assert.Equal(t, http.StatusConflict, HTTPStatusForError(ErrRewindRequired.WithMessage("x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatusForError(ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusForError(ErrInvalidArgument))
}

func TestLibrarySimulator(t *testing.T) {
	root := t.TempDir()
	lib, err := CreateSimulatedLibrary(root, 2, 3, LTO8, nil)
	require.NoError(t, err)

	drives, tapes, err := lib.Audit()
	require.NoError(t, err)
	require.Len(t, drives, 2)
	require.Len(t, tapes, 3)

	require.NoError(t, lib.Load(tapes[1], drives[0]))
	assert.True(t, errors.Is(lib.Load(tapes[2], drives[0]), ErrInvalidState))
	drives, tapes, err = lib.Audit()
	require.NoError(t, err)
	assert.Equal(t, "TBK001L8", drives[0].Loaded)
	assert.Len(t, tapes, 2)

	d := NewTapeDrive("lib0", NewSimulatedCommands(lib.DriveDir(0)), DriveOptions{}, nil)
	waitIdle(t, d)
	assert.Equal(t, Online, d.Tape().State)
	assert.Equal(t, "SIM0000000", d.Identity().Serial)

	require.NoError(t, lib.Unload(drives[0]))
	assert.True(t, errors.Is(lib.Unload(drives[0]), ErrInvalidState))
	require.NoError(t, d.Identify())
	waitIdle(t, d)
	assert.Equal(t, NoTape, d.Tape().State)
}
