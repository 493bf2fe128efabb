package tapehardware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tbk/files"
	"tbk/process"
	"tbk/toc"
	. "tbk/utils"
)

type DriveState string

const (
	DriveIdle     DriveState = "Idle"
	DriveRead     DriveState = "Read"
	DriveWrite    DriveState = "Write"
	DriveWriteToc DriveState = "WriteToc"
	DriveRewind   DriveState = "Rewind"
	DriveEject    DriveState = "Eject"
	DriveError    DriveState = "Error"
	// Identify runs INQUIRY and MODE SENSE as commands in flight.
	DriveIdentify DriveState = "Identify"
)

// Busy reports whether a command is in flight in this state.
func (s DriveState) Busy() bool {
	switch s {
	case DriveRead, DriveWrite, DriveWriteToc, DriveRewind, DriveEject, DriveIdentify:
		return true
	}
	return false
}

// identification commands get this many ticks before they are killed
const defaultIdentifyTicks = 1000

type DriveOptions struct {
	BlockSize string
	Decoder   *Decoder
	// TempDir receives the toc file before it is copied to tape.
	TempDir       string
	IdentifyTicks int
}

// TapeDrive is the state machine of one physical drive. Operations are only
// accepted while Idle; Refresh advances the state once a command exits.
// Error is sticky until ClearError.
type TapeDrive struct {
	mu sync.Mutex

	alias         string
	commands      DriveCommands
	decoder       *Decoder
	blockSize     string
	tempDir       string
	identifyTicks int
	logger        *Logger

	identity    Identity
	tape        Tape
	state       DriveState
	currentFile *files.Handle
	lastCommand *process.AsyncProcess
	queried     bool
	identify    identifyStep
	firstTape   bool
	deadline    time.Time
	tocFile     string
	messages    []string

	identityOverride *Identity
	tapeOverride     *Tape
}

func NewTapeDrive(alias string, commands DriveCommands, opts DriveOptions, logger *Logger) *TapeDrive {
	d := &TapeDrive{
		alias:         alias,
		commands:      commands,
		decoder:       opts.Decoder,
		blockSize:     opts.BlockSize,
		tempDir:       opts.TempDir,
		identifyTicks: opts.IdentifyTicks,
		logger:        logger,
		state:         DriveIdle,
		tape:          Tape{State: NoTape},
	}
	if d.decoder == nil {
		d.decoder = NewDecoder()
	}
	if d.blockSize == "" {
		d.blockSize = d.decoder.DefaultBlockSize
	}
	if d.tempDir == "" {
		d.tempDir = os.TempDir()
	}
	if d.identifyTicks <= 0 {
		d.identifyTicks = defaultIdentifyTicks
	}
	return d
}

// Refresh polls the command in flight and applies its outcome. The first
// refresh identifies the drive and its medium.
func (d *TapeDrive) Refresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshLocked()
}

func (d *TapeDrive) refreshLocked() {
	if d.state == DriveIdentify {
		d.pollIdentifyLocked()
		return
	}
	if d.state.Busy() {
		s := d.lastCommand.Status()
		if s.Running {
			return
		}
		operation := d.state
		if s.ExitCode != 0 {
			d.failLocked(fmt.Sprintf("[ERROR] %s failed with exit code %d", operation, s.ExitCode), s.Stderr)
			return
		}
		d.completeLocked(operation)
		d.startIdentifyLocked()
		return
	}
	if d.state == DriveError {
		return
	}
	if !d.queried {
		d.startIdentifyLocked()
	}
}

func (d *TapeDrive) completeLocked(operation DriveState) {
	switch operation {
	case DriveRewind:
		d.tape.BeginOfTape = true
	case DriveEject:
		d.tape = Tape{State: NoTape, BlockSize: d.blockSize}
	case DriveRead:
		d.tape.BeginOfTape = false
		d.currentFile.Stat()
	case DriveWrite:
		d.tape.BeginOfTape = false
	case DriveWriteToc:
		d.tape.BeginOfTape = false
		d.removeTOCFileLocked()
	}
	d.logger.Event(d.alias, ": ", operation, " completed")
	d.currentFile = nil
	d.state = DriveIdle
}

// failLocked moves the drive to the sticky Error state
func (d *TapeDrive) failLocked(message string, detail []string) {
	d.messages = append(d.messages, message)
	if n := len(detail); n > 0 {
		// dd prints progress on stderr, the last lines carry the reason
		if n > 3 {
			detail = detail[n-3:]
		}
		d.messages = append(d.messages, detail...)
	}
	d.logger.Error(d.alias, ": ", message)
	d.removeTOCFileLocked()
	d.currentFile = nil
	d.state = DriveError
}

func (d *TapeDrive) removeTOCFileLocked() {
	if d.tocFile == "" {
		return
	}
	if err := os.Remove(d.tocFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.messages = append(d.messages, fmt.Sprintf("[WARN] Unable to remove %s: %v", d.tocFile, err))
	}
	d.tocFile = ""
}

type identifyStep int

const (
	identifyNone identifyStep = iota
	identifyInquiry
	identifyModeSense
)

func (i identifyStep) String() string {
	if i == identifyModeSense {
		return "MODE SENSE"
	}
	return "INQUIRY"
}

// startIdentifyLocked issues INQUIRY, or goes straight to MODE SENSE when the
// identity is overridden. Refresh picks up each result.
func (d *TapeDrive) startIdentifyLocked() {
	d.firstTape = !d.queried
	d.queried = true
	if d.identityOverride != nil {
		d.identity = *d.identityOverride
		d.startModeSenseLocked()
		return
	}
	d.issueIdentifyLocked(identifyInquiry, d.commands.Inquiry())
}

func (d *TapeDrive) startModeSenseLocked() {
	if d.tapeOverride != nil {
		bot := d.tape.BeginOfTape
		d.tape = *d.tapeOverride
		d.tape.BeginOfTape = bot
		d.identify = identifyNone
		d.state = DriveIdle
		return
	}
	d.issueIdentifyLocked(identifyModeSense, d.commands.ModeSense())
}

func (d *TapeDrive) issueIdentifyLocked(step identifyStep, command string) {
	p := process.New(command, process.WithRaw())
	d.lastCommand = p
	d.identify = identifyNone
	if err := p.Start(); err != nil {
		d.failLocked(fmt.Sprintf("[ERROR] %s: %v", step, err), nil)
		return
	}
	d.identify = step
	d.deadline = time.Now().Add(time.Duration(d.identifyTicks) * process.PollInterval)
	d.state = DriveIdentify
}

// pollIdentifyLocked applies a finished INQUIRY or MODE SENSE. A command
// running past its deadline is killed in the background and fails the drive.
func (d *TapeDrive) pollIdentifyLocked() {
	p, step := d.lastCommand, d.identify
	s := p.Status()
	if s.Running {
		if time.Now().Before(d.deadline) {
			return
		}
		go p.Kill()
		d.identify = identifyNone
		d.failLocked(fmt.Sprintf("[ERROR] %s: %s", step, process.TimeoutMessage), nil)
		return
	}
	d.identify = identifyNone
	if s.ExitCode != 0 {
		d.failLocked(fmt.Sprintf("[ERROR] %s failed with exit code %d", step, s.ExitCode), append(s.StatusMessages, s.Stderr...))
		return
	}
	data, err := p.RawOutput()
	if err != nil {
		d.failLocked("[ERROR] "+err.Error(), nil)
		return
	}

	if step == identifyInquiry {
		id, err := DecodeInquiry(data)
		if err != nil {
			d.failLocked("[ERROR] "+err.Error(), nil)
			return
		}
		d.identity = id
		d.startModeSenseLocked()
		return
	}
	id, err := d.decoder.Identifier(data)
	if err == nil {
		var tape Tape
		tape, err = d.decoder.Decode(id, d.blockSize, 0)
		if err == nil {
			d.applyTapeLocked(tape, d.firstTape)
			d.state = DriveIdle
			return
		}
	}
	d.failLocked("[ERROR] "+err.Error(), nil)
}

// keeps the known position while the same cartridge stays loaded; a freshly
// inserted cartridge sits at the beginning and on first contact the position
// is unknown
func (d *TapeDrive) applyTapeLocked(tape Tape, first bool) {
	switch {
	case !tape.Present(), first:
		tape.BeginOfTape = false
	case d.tape.Present():
		tape.BeginOfTape = d.tape.BeginOfTape
	default:
		tape.BeginOfTape = true
	}
	if tape.State != d.tape.State {
		d.logger.Event(d.alias, ": tape ", tape.Generation, " ", tape.State)
	}
	d.tape = tape
}

// Identify forces a new INQUIRY and MODE SENSE, e.g. after a cartridge was
// inserted by hand. The drive is Identify until a refresh sees both results.
func (d *TapeDrive) Identify() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireIdleLocked("identify"); err != nil {
		return err
	}
	d.startIdentifyLocked()
	return nil
}

func (d *TapeDrive) requireIdleLocked(operation string) error {
	if d.state != DriveIdle {
		return ErrInvalidState.WithMessagef("%s: %s while %s", d.alias, operation, d.state)
	}
	return nil
}

func (d *TapeDrive) requireTapeLocked(operation string) error {
	if !d.tape.Present() {
		return ErrInvalidState.WithMessagef("%s: %s without a tape", d.alias, operation)
	}
	return nil
}

func (d *TapeDrive) requireWritableLocked(operation string) error {
	if err := d.requireTapeLocked(operation); err != nil {
		return err
	}
	if d.tape.WriteProtected {
		return ErrWriteProtected.WithMessagef("%s: %s on a write protected tape", d.alias, operation)
	}
	return nil
}

func (d *TapeDrive) issueLocked(next DriveState, command string, file *files.Handle) error {
	var opts []process.Option
	if file != nil {
		opts = append(opts, process.WithSizeHint(file.Size()))
	}
	p := process.New(command, opts...)
	if err := p.Start(); err != nil {
		d.failLocked("[ERROR] "+err.Error(), nil)
		return err
	}
	d.logger.Event(d.alias, ": ", next, ": ", command)
	d.lastCommand = p
	d.currentFile = file
	d.state = next
	return nil
}

// Rewind is a no-op when the tape already is at its beginning.
func (d *TapeDrive) Rewind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireIdleLocked("rewind"); err != nil {
		return err
	}
	if err := d.requireTapeLocked("rewind"); err != nil {
		return err
	}
	if d.tape.BeginOfTape {
		return nil
	}
	return d.issueLocked(DriveRewind, d.commands.Rewind(), nil)
}

// Eject is also accepted from Error. It drops a tape override, the next
// identification reports whatever MODE SENSE sees.
func (d *TapeDrive) Eject() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DriveError {
		if err := d.requireIdleLocked("eject"); err != nil {
			return err
		}
	}
	if err := d.requireTapeLocked("eject"); err != nil {
		return err
	}
	d.tapeOverride = nil
	return d.issueLocked(DriveEject, d.commands.Eject(), nil)
}

// Write copies an idle file to tape as the next record.
func (d *TapeDrive) Write(file *files.Handle) error {
	if file == nil {
		return ErrInvalidArgument.WithMessage("no file to write")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireIdleLocked("write"); err != nil {
		return err
	}
	if err := d.requireWritableLocked("write"); err != nil {
		return err
	}
	if file.State() != files.StateIdle {
		return ErrInvalidState.WithMessagef("%s is %s", file.Path(), file.State())
	}
	return d.issueLocked(DriveWrite, d.commands.Write(file.Path(), d.blockSize), file)
}

// WriteTOC writes the table of contents as the first record of the tape.
func (d *TapeDrive) WriteTOC(t *toc.TableOfContent) error {
	if t == nil {
		return ErrInvalidArgument.WithMessage("no table of contents")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireIdleLocked("write toc"); err != nil {
		return err
	}
	if err := d.requireWritableLocked("write toc"); err != nil {
		return err
	}
	if !d.tape.BeginOfTape {
		return ErrRewindRequired.WithMessagef("%s: toc can only be written at the beginning of tape", d.alias)
	}
	path := filepath.Join(d.tempDir, "toc_"+uuid.NewString()+".tmp")
	if err := toc.WriteRecordFile(path, t); err != nil {
		d.failLocked("[ERROR] "+err.Error(), nil)
		return err
	}
	handle, err := files.Open(-1, path, files.Options{})
	if err != nil {
		os.Remove(path)
		d.failLocked("[ERROR] "+err.Error(), nil)
		return err
	}
	d.tocFile = path
	return d.issueLocked(DriveWriteToc, d.commands.Write(path, d.blockSize), handle)
}

// Read copies the next record from tape into file.
func (d *TapeDrive) Read(file *files.Handle) error {
	if file == nil {
		return ErrInvalidArgument.WithMessage("no file to read into")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.requireIdleLocked("read"); err != nil {
		return err
	}
	if err := d.requireTapeLocked("read"); err != nil {
		return err
	}
	if file.State() != files.StateIdle {
		return ErrInvalidState.WithMessagef("%s is %s", file.Path(), file.State())
	}
	return d.issueLocked(DriveRead, d.commands.Read(file.Path(), d.blockSize), file)
}

// ReadTOC reads the first record of a tape at its beginning and parses it.
// It blocks until the read finished or ctx is done.
func (d *TapeDrive) ReadTOC(ctx context.Context) (*toc.TableOfContent, error) {
	d.mu.Lock()
	if err := d.requireIdleLocked("read toc"); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if !d.tape.BeginOfTape {
		d.mu.Unlock()
		return nil, ErrRewindRequired.WithMessagef("%s: toc can only be read at the beginning of tape", d.alias)
	}
	path := filepath.Join(d.tempDir, "toc_"+uuid.NewString()+".read")
	d.mu.Unlock()

	handle, err := files.Open(-1, path, files.Options{Create: true})
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)
	if err := d.Read(handle); err != nil {
		return nil, err
	}
	if err := d.WaitIdle(ctx); err != nil {
		return nil, err
	}
	return toc.ReadRecordFile(path)
}

// WaitIdle refreshes until the drive is Idle again.
func (d *TapeDrive) WaitIdle(ctx context.Context) error {
	state, err := d.Settle(ctx)
	if err != nil {
		return err
	}
	if state == DriveError {
		return ErrInvalidState.WithMessagef("%s: %s", d.alias, d.LastMessage())
	}
	return nil
}

// Settle refreshes until no command is in flight and returns Idle or Error.
func (d *TapeDrive) Settle(ctx context.Context) (DriveState, error) {
	for {
		d.Refresh()
		if state := d.State(); !state.Busy() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return d.State(), ctx.Err()
		case <-time.After(process.PollInterval):
		}
	}
}

// ClearError leaves the Error state. The tape position is unknown
// afterwards and the drive is identified again on the next refresh.
func (d *TapeDrive) ClearError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DriveError {
		return
	}
	d.messages = append(d.messages, "[INFO] Error cleared")
	d.logger.Event(d.alias, ": error cleared")
	d.state = DriveIdle
	d.tape.BeginOfTape = false
	d.queried = false
}

// CancelOperation kills the command in flight. The drive ends in Error
// because the tape position is undefined.
func (d *TapeDrive) CancelOperation() error {
	d.mu.Lock()
	if !d.state.Busy() {
		state := d.state
		d.mu.Unlock()
		return ErrInvalidState.WithMessagef("%s: nothing to cancel while %s", d.alias, state)
	}
	operation, p := d.state, d.lastCommand
	d.mu.Unlock()

	p.Kill()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tape.BeginOfTape = false
	d.identify = identifyNone
	d.failLocked(fmt.Sprintf("[INFO] %s operation terminated by user.", operation),
		[]string{"[WARN] Tape position undefined, rewind required"})
	return nil
}

// OverrideIdentity replaces the INQUIRY result; nil restores detection.
func (d *TapeDrive) OverrideIdentity(id *Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identityOverride = id
	if id != nil {
		d.identity = *id
	}
}

// OverrideTape replaces the MODE SENSE result; nil restores detection.
func (d *TapeDrive) OverrideTape(t *Tape) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tapeOverride = t
	if t != nil {
		bot := d.tape.BeginOfTape
		d.tape = *t
		d.tape.BeginOfTape = bot
	}
}

func (d *TapeDrive) Alias() string {
	return d.alias
}
func (d *TapeDrive) State() DriveState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
func (d *TapeDrive) Tape() Tape {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tape
}
func (d *TapeDrive) Identity() Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}
func (d *TapeDrive) BlockSize() string {
	return d.blockSize
}
func (d *TapeDrive) CurrentFile() *files.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentFile
}
func (d *TapeDrive) LastCommand() *process.AsyncProcess {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCommand
}
func (d *TapeDrive) Messages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.messages...)
}

// LastMessage returns the newest error or info message.
func (d *TapeDrive) LastMessage() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.messages) - 1; i >= 0; i-- {
		if strings.HasPrefix(d.messages[i], "[ERROR]") || strings.HasPrefix(d.messages[i], "[INFO]") {
			return d.messages[i]
		}
	}
	if n := len(d.messages); n > 0 {
		return d.messages[n-1]
	}
	return ""
}
