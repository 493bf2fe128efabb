package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"tbk/files"
	"tbk/integrity"
	"tbk/process"
	"tbk/tapehardware"
	"tbk/toc"
	. "tbk/utils"
)

type ReadOptions struct {
	// ThreadLimit caps concurrent validation and decryption jobs.
	ThreadLimit int
	// Validate checks every restored file against the checksum in the toc.
	Validate bool
	// Decryption decrypts restored files that carry the encryption suffix.
	Decryption *integrity.Key
	// Only restores the listed file ids, the other records are skipped.
	Only []int
	// TempDir receives the toc record, defaults to the system temp dir.
	TempDir string
}

// ReadScheduler restores a backup: it rewinds, reads the table of contents
// and then every record in tape order into a destination folder. Restored
// files are validated while the drive reads on.
type ReadScheduler struct {
	mu     sync.Mutex
	drive  Drive
	dest   string
	opts   ReadOptions
	logger *Logger
	only   map[int]bool

	tocFile *files.Handle
	toc     *toc.TableOfContent

	pending   []*job
	reading   *job
	verify    *pool
	completed []*job
	skipped   []*job
	failed    []*job

	phase         drivePhase
	state         State
	failedCommand *process.Snapshot
	messages      []string
}

func NewReadScheduler(drive Drive, dest string, opts ReadOptions, logger *Logger) (*ReadScheduler, error) {
	if drive == nil {
		return nil, ErrInvalidArgument.WithMessage("no drive to read from")
	}
	if dest == "" {
		return nil, ErrInvalidArgument.WithMessage("no destination folder")
	}
	abs, err := filepath.Abs(dest)
	if err != nil {
		return nil, ErrInvalidArgument.WithMessagef("%s: %v", dest, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, ErrPermissionDenied.WithMessagef("%s: %v", abs, err)
	}
	if opts.ThreadLimit <= 0 {
		opts.ThreadLimit = runtime.NumCPU()
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	s := &ReadScheduler{
		drive:  drive,
		dest:   abs,
		opts:   opts,
		logger: logger,
		verify: newPool(opts.ThreadLimit),
		state:  WaitForDrive,
	}
	if len(opts.Only) > 0 {
		s.only = map[int]bool{}
		for _, id := range opts.Only {
			s.only[id] = true
		}
	}
	return s, nil
}

func (s *ReadScheduler) Step() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return s.state
	}

	s.drive.Refresh()
	driveIdle := s.pollDriveLocked()
	if s.state.Terminal() {
		return s.state
	}

	finished, failed, err := s.verify.poll()
	for _, j := range finished {
		s.completeLocked(j)
	}
	if failed != nil {
		s.failJobLocked(failed, err)
		return s.state
	}
	if j, err := s.verify.fill(); err != nil {
		s.failJobLocked(j, err)
		return s.state
	}

	if !driveIdle {
		s.state = WaitForDrive
		return s.state
	}
	if s.toc == nil {
		return s.startTOCLocked()
	}
	if len(s.pending) > 0 {
		return s.readNextLocked()
	}
	if s.verify.busy() {
		s.state = WaitForChecksum
		return s.state
	}
	s.state = Done
	s.verify.stop()
	s.logger.Event(s.drive.Alias(), ": restore of backup ", s.toc.BackupID, " to ", s.dest, " done")
	return s.state
}

func (s *ReadScheduler) pollDriveLocked() bool {
	state := s.drive.State()
	if state == tapehardware.DriveError {
		next := Error
		if s.phase == phaseTOC || s.phase == phaseTransfer {
			next = ReadError
		}
		if s.reading != nil {
			s.failed = append(s.failed, s.reading)
			s.reading = nil
		}
		s.removeTOCFileLocked()
		var cmd *process.Snapshot
		if p := s.drive.LastCommand(); p != nil {
			snapshot := p.Snapshot()
			cmd = &snapshot
		}
		s.failLocked(next, fmt.Sprintf("%s: %s", s.drive.Alias(), s.drive.LastMessage()), cmd)
		return false
	}
	if state != tapehardware.DriveIdle {
		return false
	}
	switch s.phase {
	case phaseTOC:
		s.phase = phaseNone
		s.parseTOCLocked()
		return !s.state.Terminal()
	case phaseTransfer:
		s.phase = phaseNone
		j := s.reading
		s.reading = nil
		s.readDoneLocked(j)
		return !s.state.Terminal()
	}
	s.phase = phaseNone
	return true
}

func (s *ReadScheduler) startTOCLocked() State {
	if !s.drive.Tape().BeginOfTape {
		return s.issueLocked(phaseRewind, s.drive.Rewind)
	}
	f, err := os.CreateTemp(s.opts.TempDir, "toc_*.read")
	if err != nil {
		s.failLocked(Error, "[ERROR] "+err.Error(), nil)
		return s.state
	}
	f.Close()
	h, err := files.Open(-1, f.Name(), files.Options{})
	if err != nil {
		os.Remove(f.Name())
		s.failLocked(Error, "[ERROR] "+err.Error(), nil)
		return s.state
	}
	s.tocFile = h
	return s.issueLocked(phaseTOC, func() error { return s.drive.Read(h) })
}

func (s *ReadScheduler) parseTOCLocked() {
	t, err := toc.ReadRecordFile(s.tocFile.Path())
	s.removeTOCFileLocked()
	if err != nil {
		s.failLocked(Error, "[ERROR] "+err.Error(), nil)
		return
	}
	s.toc = t
	for i, entry := range t.Files {
		s.pending = append(s.pending, &job{index: i, id: entry.ID, entry: entry, slot: -1})
	}
	s.logger.Event(s.drive.Alias(), ": backup ", t.BackupID, " holds ", len(t.Files), " files")
}

func (s *ReadScheduler) removeTOCFileLocked() {
	if s.tocFile != nil {
		os.Remove(s.tocFile.Path())
		s.tocFile = nil
	}
}

// selected files are restored below dest, the others are read into the
// null device to move past them
func (s *ReadScheduler) readNextLocked() State {
	j := s.pending[0]
	s.pending = s.pending[1:]
	s.reading = j

	path := os.DevNull
	opts := files.Options{Context: s.dest}
	if s.selected(j.id) {
		target, err := s.targetPath(j.entry.Filename)
		if err == nil {
			err = os.MkdirAll(filepath.Dir(target), 0755)
		}
		if j.entry.ChecksumType != "" && err == nil {
			opts.Checksum, err = integrity.ParseAlgorithm(j.entry.ChecksumType)
		}
		if err != nil {
			return s.abortReadLocked(j, err)
		}
		path = target
		opts.Create = true
	}
	h, err := files.Open(j.id, path, opts)
	if err != nil {
		return s.abortReadLocked(j, err)
	}
	j.handle = h
	if err := s.drive.Read(h); err != nil {
		return s.abortReadLocked(j, err)
	}
	s.phase = phaseTransfer
	s.state = WaitForDrive
	return s.state
}

func (s *ReadScheduler) abortReadLocked(j *job, err error) State {
	s.reading = nil
	s.failed = append(s.failed, j)
	s.failLocked(Error, "[ERROR] "+err.Error(), nil)
	return s.state
}

// targetPath keeps restored files below the destination folder
func (s *ReadScheduler) targetPath(name string) (string, error) {
	target := filepath.Join(s.dest, filepath.Clean(string(filepath.Separator)+name))
	if !strings.HasPrefix(target, s.dest+string(filepath.Separator)) {
		return "", ErrInvalidArgument.WithMessagef("%s leaves %s", name, s.dest)
	}
	return target, nil
}

func (s *ReadScheduler) selected(id int) bool {
	return s.only == nil || s.only[id]
}

// readDoneLocked checks the size of a restored file and hands it to the
// verification stage
func (s *ReadScheduler) readDoneLocked(j *job) {
	if !s.selected(j.id) {
		s.logger.Event(s.drive.Alias(), ": skipped file ", j.id)
		s.skipped = append(s.skipped, j)
		return
	}
	if size := j.handle.Stat(); size != j.entry.Size {
		s.failed = append(s.failed, j)
		s.failLocked(ReadError, fmt.Sprintf("[ERROR] %s has %d bytes, the toc lists %d", j.handle.Path(), size, j.entry.Size), nil)
		return
	}
	if s.opts.Validate && j.entry.ChecksumValue != "" {
		value := j.entry.ChecksumValue
		j.steps = append(j.steps, func(h *files.Handle) error { return h.ValidateIntegrity(value) })
	}
	if s.opts.Decryption != nil && strings.HasSuffix(j.handle.Path(), integrity.Suffix) {
		key := *s.opts.Decryption
		j.steps = append(j.steps, func(h *files.Handle) error {
			return h.Decrypt(integrity.NewEncryptionJob(key, true))
		})
	}
	if len(j.steps) == 0 {
		s.completeLocked(j)
		return
	}
	s.verify.queue = append(s.verify.queue, j)
}

func (s *ReadScheduler) completeLocked(j *job) {
	s.logger.Event(s.drive.Alias(), ": restored file ", j.id, " to ", j.handle.Path())
	s.completed = append(s.completed, j)
}

func (s *ReadScheduler) issueLocked(phase drivePhase, command func() error) State {
	if err := command(); err != nil {
		s.removeTOCFileLocked()
		s.failLocked(Error, err.Error(), nil)
		return s.state
	}
	s.phase = phase
	s.state = WaitForDrive
	return s.state
}

func (s *ReadScheduler) failJobLocked(j *job, err error) {
	s.failed = append(s.failed, j)
	message := fmt.Sprintf("[ERROR] Verifying %s failed", j.handle.Path())
	if err != nil {
		message += ": " + err.Error()
	}
	s.messages = append(s.messages, j.handle.Messages()...)
	var cmd *process.Snapshot
	if p := j.handle.Checksum().Process(); p != nil {
		snapshot := p.Snapshot()
		cmd = &snapshot
	}
	s.failLocked(ChecksumError, message, cmd)
}

func (s *ReadScheduler) failLocked(state State, message string, cmd *process.Snapshot) {
	s.state = state
	s.messages = append(s.messages, message)
	s.failedCommand = cmd
	s.logger.Error(s.drive.Alias(), ": restore ", state, ": ", message)
	s.verify.cancel()
	s.verify.stop()
}

// Run steps until the restore finished or failed. A done ctx cancels it.
func (s *ReadScheduler) Run(ctx context.Context) error {
	state := run(ctx, s.Step, s.Cancel)
	if state != Done {
		return fmt.Errorf("restore %s: %s", state, s.lastMessage())
	}
	return nil
}

func (s *ReadScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if s.phase != phaseNone && s.drive.State().Busy() {
		s.drive.CancelOperation()
	}
	if s.reading != nil {
		s.pending = insert(s.pending, s.reading)
		s.reading = nil
	}
	s.removeTOCFileLocked()
	s.failLocked(Error, "[INFO] Restore cancelled", nil)
}

// TOC is the table of contents read from tape.
func (s *ReadScheduler) TOC() *toc.TableOfContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toc
}

func (s *ReadScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *ReadScheduler) lastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 {
		return s.messages[n-1]
	}
	return ""
}

// Snapshot lists every toc entry.
func (s *ReadScheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := Snapshot{
		State:         s.state,
		Queued:        ids(s.verify.queue),
		Preparing:     ids(s.verify.running),
		Pending:       ids(s.pending),
		Transferring:  []int{},
		Completed:     ids(s.completed),
		Skipped:       ids(s.skipped),
		Failed:        ids(s.failed),
		FailedCommand: s.failedCommand,
		Messages:      append([]string(nil), s.messages...),
	}
	if s.reading != nil {
		snapshot.Transferring = append(snapshot.Transferring, s.reading.id)
	}
	if s.toc != nil {
		snapshot.BackupID = s.toc.BackupID
	}
	return snapshot
}
