package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"tbk/files"
	"tbk/integrity"
	"tbk/process"
	"tbk/tapehardware"
	"tbk/toc"
	. "tbk/utils"
)

type WriteOptions struct {
	// ThreadLimit caps concurrent checksum and encryption jobs, defaults to
	// the number of CPUs.
	ThreadLimit int
	// Encryption encrypts every file before its checksum is taken.
	Encryption      *integrity.Key
	DiscardOriginal bool
	// RewindAfter and EjectAfter finalize the tape after the last file.
	RewindAfter bool
	EjectAfter  bool
}

// WriteScheduler writes a set of files as one backup: the table of contents
// first, then every file in discovery order. The toc needs every checksum,
// so the first record is only written once the preparation stage is empty.
type WriteScheduler struct {
	mu     sync.Mutex
	drive  Drive
	opts   WriteOptions
	logger *Logger

	handles   []*files.Handle
	prepare   *pool
	pending   []*job
	writing   *job
	completed []*job
	failed    []*job

	toc           *toc.TableOfContent
	phase         drivePhase
	finalRewind   bool
	finalEject    bool
	state         State
	failedCommand *process.Snapshot
	messages      []string
}

func NewWriteScheduler(drive Drive, handles []*files.Handle, opts WriteOptions, logger *Logger) (*WriteScheduler, error) {
	if drive == nil {
		return nil, ErrInvalidArgument.WithMessage("no drive to write to")
	}
	if opts.ThreadLimit <= 0 {
		opts.ThreadLimit = runtime.NumCPU()
	}
	s := &WriteScheduler{
		drive:   drive,
		opts:    opts,
		logger:  logger,
		handles: handles,
		prepare: newPool(opts.ThreadLimit),
		state:   WaitForDrive,
	}
	for i, h := range handles {
		if h.State() != files.StateIdle {
			s.prepare.stop()
			return nil, ErrInvalidState.WithMessagef("%s is %s", h.Path(), h.State())
		}
		j := &job{index: i, id: h.ID(), handle: h, slot: -1}
		if opts.Encryption != nil {
			key, discard := *opts.Encryption, opts.DiscardOriginal
			j.steps = append(j.steps, func(h *files.Handle) error {
				return h.Encrypt(integrity.NewEncryptionJob(key, discard))
			})
		}
		if h.Checksum().Algorithm() != integrity.None {
			j.steps = append(j.steps, (*files.Handle).CreateChecksum)
		}
		if len(j.steps) > 0 {
			s.prepare.queue = append(s.prepare.queue, j)
		} else {
			s.pending = append(s.pending, j)
		}
	}
	logger.Event(drive.Alias(), ": backup of ", len(handles), " files, ", len(s.prepare.queue), " to prepare")
	return s, nil
}

// Step advances the scheduler once without blocking.
func (s *WriteScheduler) Step() State {
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

	finished, failed, err := s.prepare.poll()
	for _, j := range finished {
		s.pending = insert(s.pending, j)
	}
	if failed != nil {
		s.failJobLocked(failed, err)
		return s.state
	}
	if j, err := s.prepare.fill(); err != nil {
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
		j := s.pending[0]
		s.pending = s.pending[1:]
		s.writing = j
		if err := s.drive.Write(j.handle); err != nil {
			s.writing = nil
			s.failed = append(s.failed, j)
			s.failLocked(Error, err.Error(), nil)
			return s.state
		}
		s.phase = phaseTransfer
		s.state = WaitForDrive
		return s.state
	}
	return s.finalizeLocked()
}

// pollDriveLocked applies the outcome of the drive command the scheduler
// issued and reports whether the drive takes the next one
func (s *WriteScheduler) pollDriveLocked() bool {
	state := s.drive.State()
	if state == tapehardware.DriveError {
		next := Error
		if s.phase == phaseTOC || s.phase == phaseTransfer {
			next = WriteError
		}
		if s.writing != nil {
			s.failed = append(s.failed, s.writing)
			s.writing = nil
		}
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
	if s.phase == phaseTransfer && s.writing != nil {
		s.logger.Event(s.drive.Alias(), ": wrote file ", s.writing.id, " ", s.writing.handle.Path())
		s.completed = append(s.completed, s.writing)
		s.writing = nil
	}
	s.phase = phaseNone
	return true
}

// startTOCLocked rewinds to the beginning and writes the toc once every file
// is prepared
func (s *WriteScheduler) startTOCLocked() State {
	if !s.drive.Tape().BeginOfTape {
		return s.issueLocked(phaseRewind, s.drive.Rewind)
	}
	if s.prepare.busy() {
		s.state = WaitForChecksum
		return s.state
	}
	tape := s.drive.Tape()
	t := toc.New(s.handles, tape.Generation.String(), s.drive.BlockSize(), tape.NativeCapacity)
	if total := t.TotalSize(); tape.NativeCapacity > 0 && total > tape.NativeCapacity {
		s.messages = append(s.messages, fmt.Sprintf("[WARN] Backup of %d bytes exceeds the native capacity of %d bytes", total, tape.NativeCapacity))
	}
	s.toc = t
	return s.issueLocked(phaseTOC, func() error { return s.drive.WriteTOC(t) })
}

func (s *WriteScheduler) finalizeLocked() State {
	if s.opts.RewindAfter && !s.finalRewind {
		s.finalRewind = true
		return s.issueLocked(phaseFinalRewind, s.drive.Rewind)
	}
	if s.opts.EjectAfter && !s.finalEject {
		s.finalEject = true
		return s.issueLocked(phaseEject, s.drive.Eject)
	}
	s.state = Done
	s.prepare.stop()
	s.logger.Event(s.drive.Alias(), ": backup ", s.toc.BackupID, " of ", len(s.completed), " files done")
	return s.state
}

func (s *WriteScheduler) issueLocked(phase drivePhase, command func() error) State {
	if err := command(); err != nil {
		s.failLocked(Error, err.Error(), nil)
		return s.state
	}
	s.phase = phase
	s.state = WaitForDrive
	return s.state
}

func (s *WriteScheduler) failJobLocked(j *job, err error) {
	s.failed = append(s.failed, j)
	message := fmt.Sprintf("[ERROR] Preparing %s failed", j.handle.Path())
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

// failLocked enters a terminal error state and stops the preparation stage
func (s *WriteScheduler) failLocked(state State, message string, cmd *process.Snapshot) {
	s.state = state
	s.messages = append(s.messages, message)
	s.failedCommand = cmd
	s.logger.Error(s.drive.Alias(), ": backup ", state, ": ", message)
	s.prepare.cancel()
	s.prepare.stop()
}

// Run steps until the backup finished or failed. A done ctx cancels it.
func (s *WriteScheduler) Run(ctx context.Context) error {
	state := run(ctx, s.Step, s.Cancel)
	if state != Done {
		return fmt.Errorf("backup %s: %s", state, s.lastMessage())
	}
	return nil
}

// Cancel stops the preparation stage and the drive command in flight.
func (s *WriteScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if s.phase != phaseNone && s.drive.State().Busy() {
		s.drive.CancelOperation()
	}
	if s.writing != nil {
		s.pending = insert(s.pending, s.writing)
		s.writing = nil
	}
	s.failLocked(Error, "[INFO] Backup cancelled", nil)
}

// TOC is the table of contents once it was handed to the drive.
func (s *WriteScheduler) TOC() *toc.TableOfContent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toc
}

func (s *WriteScheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *WriteScheduler) lastMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.messages); n > 0 {
		return s.messages[n-1]
	}
	return ""
}

func (s *WriteScheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := Snapshot{
		State:         s.state,
		Queued:        ids(s.prepare.queue),
		Preparing:     ids(s.prepare.running),
		Pending:       ids(s.pending),
		Transferring:  []int{},
		Completed:     ids(s.completed),
		Failed:        ids(s.failed),
		FailedCommand: s.failedCommand,
		Messages:      append([]string(nil), s.messages...),
	}
	if s.writing != nil {
		snapshot.Transferring = append(snapshot.Transferring, s.writing.id)
	}
	if s.toc != nil {
		snapshot.BackupID = s.toc.BackupID
	}
	return snapshot
}
