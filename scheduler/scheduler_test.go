package scheduler_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tbk/files"
	"tbk/integrity"
	. "tbk/scheduler"
	"tbk/tapehardware"
)

type bench struct {
	drive   *tapehardware.TapeDrive
	tapeDir string
	src     string
	content map[string]string
}

func newBench(t *testing.T, writeProtected bool) *bench {
	t.Helper()
	root := t.TempDir()
	driveDir := filepath.Join(root, "drive")
	tapeDir := filepath.Join(root, "tape")
	require.NoError(t, tapehardware.CreateSimulatedDrive(driveDir, tapehardware.Identity{Vendor: "TBK", Model: "SIM", Serial: "1"}))
	require.NoError(t, tapehardware.CreateSimulatedTape(tapeDir, tapehardware.LTO8, writeProtected))
	require.NoError(t, tapehardware.LoadSimulatedTape(driveDir, tapeDir))
	drive := tapehardware.NewTapeDrive("sim0", tapehardware.NewSimulatedCommands(driveDir), tapehardware.DriveOptions{TempDir: t.TempDir()}, nil)
	require.NoError(t, drive.WaitIdle(context.Background()))

	b := &bench{drive: drive, tapeDir: tapeDir, src: filepath.Join(root, "src"), content: map[string]string{
		"a.txt":        "alpha",
		"b.txt":        "bravo bravo",
		"docs/c.txt":   "charlie",
		"docs/d/e.txt": "echo echo echo",
		"docs/d/empty": "",
		"z-last.bin":   string(make([]byte, 300*1024)),
	}}
	for name, content := range b.content {
		path := filepath.Join(b.src, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return b
}

func (b *bench) scan(t *testing.T, algorithm integrity.Algorithm) []*files.Handle {
	t.Helper()
	handles, err := files.Scan([]string{b.src}, true, 1, files.Options{Checksum: algorithm})
	require.NoError(t, err)
	require.Len(t, handles, len(b.content))
	return handles
}

// every file sits in exactly one stage
func checkStages(t *testing.T, s Snapshot, all []int) {
	t.Helper()
	var seen []int
	for _, stage := range [][]int{s.Queued, s.Preparing, s.Pending, s.Transferring, s.Completed, s.Skipped, s.Failed} {
		seen = append(seen, stage...)
	}
	sort.Ints(seen)
	require.Equal(t, all, seen, "%+v", s)
}

type stepper interface {
	Step() State
	Snapshot() Snapshot
}

func drain(t *testing.T, s stepper, all []int) State {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		state := s.Step()
		if all != nil {
			checkStages(t, s.Snapshot(), all)
		}
		if state.Terminal() {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduler did not finish")
	return ""
}

func fileIDs(handles []*files.Handle) []int {
	var out []int
	for _, h := range handles {
		out = append(out, h.ID())
	}
	return out
}

func TestBackupAndRestore(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.SHA256)
	all := fileIDs(handles)

	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{ThreadLimit: 2}, nil)
	require.NoError(t, err)
	snapshot := w.Snapshot()
	assert.Equal(t, all, snapshot.Queued)
	assert.Empty(t, snapshot.Pending)

	require.Equal(t, Done, drain(t, w, all), w.Snapshot().Messages)
	snapshot = w.Snapshot()
	assert.Equal(t, all, snapshot.Completed)

	contents := w.TOC()
	require.NotNil(t, contents)
	assert.Equal(t, contents.BackupID, snapshot.BackupID)
	require.Len(t, contents.Files, len(all))
	for i, entry := range contents.Files {
		assert.Equal(t, all[i], entry.ID)
		assert.Equal(t, "SHA256", entry.ChecksumType)
		assert.Len(t, entry.ChecksumValue, 64)
	}
	assert.Equal(t, "docs/d/e.txt", contents.Files[3].Filename)

	dst := t.TempDir()
	r, err := NewReadScheduler(b.drive, dst, ReadOptions{ThreadLimit: 2, Validate: true}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, r.Run(ctx))
	assert.Equal(t, contents.BackupID, r.TOC().BackupID)
	assert.ElementsMatch(t, all, r.Snapshot().Completed)

	for name, content := range b.content {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(got), name)
	}
}

func TestBackupWithoutChecksums(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.None)
	all := fileIDs(handles)

	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{EjectAfter: true}, nil)
	require.NoError(t, err)
	// nothing to prepare, every file waits for the drive right away
	assert.Equal(t, all, w.Snapshot().Pending)

	require.Equal(t, Done, drain(t, w, all), w.Snapshot().Messages)
	for _, entry := range w.TOC().Files {
		assert.Empty(t, entry.ChecksumType)
		assert.Empty(t, entry.ChecksumValue)
	}
	assert.Equal(t, tapehardware.NoTape, b.drive.Tape().State)
}

func TestBackupWriteProtected(t *testing.T) {
	b := newBench(t, true)
	handles := b.scan(t, integrity.MD5)
	all := fileIDs(handles)

	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Error, drain(t, w, all))
	snapshot := w.Snapshot()
	assert.Empty(t, snapshot.Completed)
	assert.Contains(t, snapshot.Messages[len(snapshot.Messages)-1], "write protected")
}

func TestChecksumFailureLeavesTapeUntouched(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.SHA512)
	all := fileIDs(handles)
	victim := handles[1]
	require.NoError(t, os.Remove(victim.Path()))

	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{ThreadLimit: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, ChecksumError, drain(t, w, all))
	snapshot := w.Snapshot()
	assert.Equal(t, []int{victim.ID()}, snapshot.Failed)
	assert.Empty(t, snapshot.Completed)
	require.NotNil(t, snapshot.FailedCommand)
	assert.NotZero(t, snapshot.FailedCommand.ExitCode)
	assert.Nil(t, w.TOC())

	records, err := filepath.Glob(filepath.Join(b.tapeDir, "rec.*"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRestoreDetectsCorruption(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.SHA256)
	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{RewindAfter: true}, nil)
	require.NoError(t, err)
	require.Equal(t, Done, drain(t, w, nil))
	assert.True(t, b.drive.Tape().BeginOfTape)

	// flip one byte of the first file on tape, rec.0 holds the toc
	record := filepath.Join(b.tapeDir, "rec.1")
	data, err := os.ReadFile(record)
	require.NoError(t, err)
	data[0] ^= 0xff
	require.NoError(t, os.WriteFile(record, data, 0644))

	r, err := NewReadScheduler(b.drive, t.TempDir(), ReadOptions{Validate: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, ChecksumError, drain(t, r, nil))
	snapshot := r.Snapshot()
	assert.Equal(t, []int{handles[0].ID()}, snapshot.Failed)
	assert.Contains(t, snapshot.Messages, files.MismatchMessage)
}

func TestRestoreSelectedFiles(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.MD5)
	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{}, nil)
	require.NoError(t, err)
	require.Equal(t, Done, drain(t, w, nil))

	dst := t.TempDir()
	wanted := handles[3]
	r, err := NewReadScheduler(b.drive, dst, ReadOptions{Validate: true, Only: []int{wanted.ID()}}, nil)
	require.NoError(t, err)
	require.Equal(t, Done, drain(t, r, nil))
	snapshot := r.Snapshot()
	assert.Equal(t, []int{wanted.ID()}, snapshot.Completed)
	assert.Len(t, snapshot.Skipped, len(handles)-1)

	restored, err := files.Scan([]string{dst}, true, 0, files.Options{})
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, wanted.RelativePath(), restored[0].RelativePath())
}

func TestEncryptedBackupRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("openssl"); err != nil {
		t.Skip("openssl not installed")
	}
	b := newBench(t, false)
	handles := b.scan(t, integrity.SHA256)
	key, err := integrity.GenerateKey(integrity.AES256CTR)
	require.NoError(t, err)

	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{Encryption: &key, DiscardOriginal: true}, nil)
	require.NoError(t, err)
	require.Equal(t, Done, drain(t, w, fileIDs(handles)), w.Snapshot().Messages)
	for _, entry := range w.TOC().Files {
		assert.Equal(t, integrity.Suffix, filepath.Ext(entry.Filename))
	}
	_, err = os.Stat(filepath.Join(b.src, "a.txt"))
	assert.True(t, os.IsNotExist(err))

	dst := t.TempDir()
	r, err := NewReadScheduler(b.drive, dst, ReadOptions{Validate: true, Decryption: &key}, nil)
	require.NoError(t, err)
	require.Equal(t, Done, drain(t, r, nil), r.Snapshot().Messages)
	for name, content := range b.content {
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err, name)
		assert.Equal(t, content, string(got), name)
	}
}

func TestRunCancelled(t *testing.T) {
	b := newBench(t, false)
	handles := b.scan(t, integrity.SHA256)
	w, err := NewWriteScheduler(b.drive, handles, WriteOptions{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, w.Run(ctx))
	assert.Equal(t, Error, w.State())
	checkStages(t, w.Snapshot(), fileIDs(handles))
}

func TestSchedulerArguments(t *testing.T) {
	_, err := NewWriteScheduler(nil, nil, WriteOptions{}, nil)
	assert.Error(t, err)
	b := newBench(t, false)
	_, err = NewReadScheduler(b.drive, "", ReadOptions{}, nil)
	assert.Error(t, err)
}
