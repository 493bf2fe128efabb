package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbk/catalog"
	"tbk/config"
	"tbk/files"
	"tbk/integrity"
	"tbk/scheduler"
	. "tbk/tapehardware"
	. "tbk/utils"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		LogFile:     filepath.Join(dir, "tbk.log"),
		BlockSize:   DefaultBlockSize,
		ThreadLimit: 2,
		Checksum:    string(integrity.SHA256),
		Catalog:     filepath.Join(dir, "tbk.db"),
		TempDir:     dir,
		Sense:       SenseLayout{MediumTypeOffset: 2, DeviceParamOffset: 3},
	}
}

// simulated library with one loaded drive, used without drive configuration
func newTestApp(t *testing.T) *app {
	t.Helper()
	cfg := testConfig(t)
	logger := NewLogger(cfg.LogFile, true)
	library, err := CreateSimulatedLibrary(filepath.Join(t.TempDir(), "library"), 1, 2, LTO8, logger)
	require.NoError(t, err)
	drives, cartridges, err := library.Audit()
	require.NoError(t, err)
	require.NoError(t, library.Load(cartridges[0], drives[0]))

	a := &app{config: cfg, logger: logger, drives: map[string]*TapeDrive{}, library: library}
	require.NoError(t, a.buildDrives())
	return a
}

func TestWriteOutput(t *testing.T) {
	v := libraryStatus{Cartridges: []Cartridge{{Slot: 3, Volser: "TBK000L8"}}}

	var out bytes.Buffer
	require.NoError(t, writeOutput(&out, "json", v))
	assert.Contains(t, out.String(), `"volser": "TBK000L8"`)

	out.Reset()
	require.NoError(t, writeOutput(&out, "yaml", v))
	assert.Contains(t, out.String(), "volser: TBK000L8")

	assert.True(t, errors.Is(writeOutput(&out, "xml", v), ErrInvalidArgument))
}

func TestBuildDrivesFromSimulation(t *testing.T) {
	a := newTestApp(t)
	assert.Equal(t, []string{"drive00"}, a.aliases)

	drive, err := a.drive("drive00")
	require.NoError(t, err)
	require.NoError(t, drive.WaitIdle(context.Background()))
	assert.Equal(t, DriveIdle, drive.State())
	assert.Equal(t, "SIM0000000", drive.Identity().Serial)
	assert.Equal(t, LTO8, drive.Tape().Generation)
	assert.Equal(t, "TBK000L8", a.volser("drive00"))

	_, err = a.drive("drive01")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDriveOverrides(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(t.TempDir(), "drive")
	require.NoError(t, CreateSimulatedDrive(dir, Identity{Vendor: "TBK", Model: "SIM", Serial: "SIM0000000"}))

	drive, err := newDrive(config.DriveConfig{
		Alias: "manual", Simulated: dir, Generation: "NONE", Capacity: 1 << 30,
		Vendor: "ACME", Model: "LTO-X", Serial: "X1",
	}, cfg, nil)
	require.NoError(t, err)
	drive.Refresh()
	// both answers overridden, nothing to wait for
	assert.Equal(t, DriveIdle, drive.State())
	assert.Equal(t, Identity{Vendor: "ACME", Model: "LTO-X", Serial: "X1"}, drive.Identity())
	assert.Equal(t, GenerationNone, drive.Tape().Generation)
	assert.Equal(t, int64(1<<30), drive.Tape().NativeCapacity)

	_, err = newDrive(config.DriveConfig{Alias: "fixed", Simulated: dir, Generation: "LTO8", Capacity: 1}, cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = newDrive(config.DriveConfig{Alias: "bad", Simulated: dir, Generation: "LTO99"}, cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestLoadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.yaml")
	_, err := loadKey("", integrity.AES256CTR, true)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = loadKey(path, integrity.AES256CTR, false)
	assert.True(t, errors.Is(err, ErrNotFound))

	key := "000102030405060708090A0B0C0D0E0F000102030405060708090A0B0C0D0E0F"
	iv := "0F0E0D0C0B0A09080706050403020100"
	require.NoError(t, os.WriteFile(path, []byte("key: "+key+"\niv: "+iv+"\n"), 0600))
	loaded, err := loadKey(path, integrity.AES256CTR, false)
	require.NoError(t, err)
	assert.Equal(t, integrity.AES256CTR, loaded.Cipher)
	assert.Equal(t, "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f", loaded.Key)

	require.NoError(t, os.WriteFile(path, []byte("key: [unterminated"), 0600))
	_, err = loadKey(path, integrity.AES256CTR, false)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestWriteRecordsBackup(t *testing.T) {
	a := newTestApp(t)
	drive, err := a.drive("drive00")
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("tape notes"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "data.bin"), []byte{1, 2, 3}, 0644))
	handles, err := files.Scan([]string{src}, true, 1, files.Options{Checksum: a.config.ChecksumAlgorithm()})
	require.NoError(t, err)

	s, err := scheduler.NewWriteScheduler(drive, handles, scheduler.WriteOptions{ThreadLimit: 2, RewindAfter: true}, a.logger)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background()))
	require.NoError(t, a.recordBackup(context.Background(), s, drive.Identity(), a.volser("drive00")))

	c, err := catalog.Open(a.config.Catalog, false, a.logger)
	require.NoError(t, err)
	defer c.Close()
	locations, err := c.Find("data.bin")
	require.NoError(t, err)
	require.Len(t, locations, 1)
	assert.Equal(t, s.TOC().BackupID, locations[0].BackupID)
	assert.Equal(t, "TBK000L8", locations[0].Volser)
	assert.Equal(t, 2, locations[0].Record)

	// read it back through the same drive
	snapshots, err := a.restore(context.Background(), t.TempDir(), []string{"drive00"}, scheduler.ReadOptions{Validate: true})
	require.NoError(t, err)
	assert.Equal(t, scheduler.Done, snapshots["drive00"].State)
	assert.Len(t, snapshots["drive00"].Completed, 2)

	_, err = a.restore(context.Background(), t.TempDir(), []string{"drive00", "drive00"}, scheduler.ReadOptions{})
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
