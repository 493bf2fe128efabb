// Package files tracks the files a backup job moves between disk and tape.
package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tbk/integrity"
	"tbk/process"
	. "tbk/utils"
)

type State string

const (
	StateInit       State = "Init"
	StateEncrypt    State = "Encrypt"
	StateDecrypt    State = "Decrypt"
	StateCksumCalc  State = "CksumCalc"
	StateValidating State = "Validating"
	StateMismatch   State = "Mismatch"
	StateRemoving   State = "Removing"
	StateIdle       State = "Idle"
	StateRemoved    State = "Removed"
	StateError      State = "Error"
)

const MismatchMessage = "[ERROR] Checksum mismatch!"

// ticks allowed for the stat helper
const statTicks = 500

type Options struct {
	// Create touches a zero length file when the path does not exist.
	Create   bool
	Checksum integrity.Algorithm
	// Context is the folder the file was discovered under.
	Context string
}

// Handle is one file on disk together with its checksum and encryption jobs.
// Its size is only trustworthy while the handle is Idle.
type Handle struct {
	mu         sync.Mutex
	id         int
	path       string
	context    string
	base       string
	size       int64
	state      State
	messages   []string
	checksum   *integrity.ChecksumJob
	encryption *integrity.EncryptionJob
}

// Open resolves path and reads its size. A touch that fails for lack of
// permission returns the handle in Error along with ErrPermissionDenied.
func Open(id int, path string, opts Options) (*Handle, error) {
	if path == "" {
		return nil, ErrInvalidArgument.WithMessage("empty file path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, ErrInvalidArgument.WithMessagef("%s: %v", path, err)
	}
	algorithm := opts.Checksum
	if algorithm == "" {
		algorithm = integrity.None
	}
	h := &Handle{
		id:      id,
		path:    abs,
		context: opts.Context,
		state:   StateInit,
	}
	h.checksum = integrity.NewChecksumJob(abs, algorithm)

	if _, err := os.Stat(abs); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, classify(abs, err)
		}
		if !opts.Create {
			return nil, ErrNotFound.WithMessage(abs)
		}
		if err := touch(abs); err != nil {
			if errors.Is(err, ErrPermissionDenied) {
				h.state = StateError
				h.messages = append(h.messages, "[ERROR] "+err.Error())
				return h, err
			}
			return nil, err
		}
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, classify(abs, err)
	}
	h.path = resolved
	h.base = resolveContext(opts.Context)
	h.checksum.Retarget(resolved)
	h.readSizeLocked()
	h.state = StateIdle
	return h, nil
}

// resolveContext follows symlinks like the file path itself, so both sides
// of RelativePath agree
func resolveContext(context string) string {
	if context == "" {
		return ""
	}
	abs, err := filepath.Abs(context)
	if err != nil {
		return context
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return classify(path, err)
	}
	return f.Close()
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound.WithMessagef("%s: %v", path, err)
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied.WithMessagef("%s: %v", path, err)
	}
	return ErrInternal.WithMessagef("%s: %v", path, err)
}

// size comes from stat so it matches what dd will see
func (h *Handle) readSizeLocked() {
	p := process.New("stat -L -c %s " + Quote(h.path))
	s := p.Wait(statTicks)
	if s.Succeeded() && len(s.Stdout) > 0 {
		if size, err := strconv.ParseInt(strings.TrimSpace(s.Stdout[0]), 10, 64); err == nil {
			h.size = size
			return
		}
	}
	h.size = 0
	h.messages = append(h.messages, fmt.Sprintf("[WARN] Unable to read size of %s, assuming 0", h.path))
}

// Refresh is the only place states advance after an operation was issued.
func (h *Handle) Refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refreshLocked()
}

func (h *Handle) refreshLocked() error {
	switch h.state {
	case StateInit, "":
		return ErrInternal.WithMessagef("file handle %d refreshed before initialization", h.id)
	case StateCksumCalc, StateValidating:
		switch h.checksum.Status() {
		case integrity.ChecksumIdle:
			h.state = StateIdle
		case integrity.ChecksumMismatch:
			h.state = StateMismatch
			h.messages = append(h.messages, MismatchMessage)
		case integrity.ChecksumError:
			h.state = StateError
			h.messages = append(h.messages, h.checksum.Messages()...)
		}
	case StateEncrypt, StateDecrypt:
		switch h.encryption.Status() {
		case integrity.EncryptionIdle:
			h.finishCryptLocked()
		case integrity.EncryptionError:
			h.state = StateError
			h.messages = append(h.messages, h.encryption.Messages()...)
		}
	}
	return nil
}

func (h *Handle) finishCryptLocked() {
	previous := h.path
	h.path = h.encryption.OutputPath()
	h.checksum.Retarget(h.path)
	if h.encryption.DiscardOriginal() {
		if err := os.Remove(previous); err != nil && !errors.Is(err, fs.ErrNotExist) {
			h.messages = append(h.messages, fmt.Sprintf("[WARN] Unable to remove %s: %v", previous, err))
		}
	}
	h.readSizeLocked()
	h.state = StateIdle
}

func (h *Handle) requireIdleLocked(operation string) error {
	if h.state != StateIdle {
		return ErrInvalidState.WithMessagef("%s on %s while %s", operation, h.path, h.state)
	}
	return nil
}

// CreateChecksum starts computing the checksum of the file.
func (h *Handle) CreateChecksum() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireIdleLocked("checksum"); err != nil {
		return err
	}
	if h.checksum.Algorithm() == integrity.None {
		return nil
	}
	if err := h.checksum.Create(); err != nil {
		h.state = StateError
		return err
	}
	h.state = StateCksumCalc
	return nil
}

// ValidateIntegrity recomputes the checksum and compares it with target.
func (h *Handle) ValidateIntegrity(target string) error {
	if target == "" {
		return ErrInvalidArgument.WithMessage("validate needs a target checksum")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireIdleLocked("validate"); err != nil {
		return err
	}
	if h.checksum.Algorithm() == integrity.None {
		return nil
	}
	if err := h.checksum.Validate(target); err != nil {
		h.state = StateError
		return err
	}
	h.state = StateValidating
	return nil
}

func (h *Handle) Encrypt(job *integrity.EncryptionJob) error {
	return h.crypt(job, StateEncrypt)
}

func (h *Handle) Decrypt(job *integrity.EncryptionJob) error {
	return h.crypt(job, StateDecrypt)
}

func (h *Handle) crypt(job *integrity.EncryptionJob, next State) error {
	if job == nil {
		return ErrInvalidArgument.WithMessage("no encryption job")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireIdleLocked(strings.ToLower(string(next))); err != nil {
		return err
	}
	var err error
	if next == StateEncrypt {
		err = job.Encrypt(h.path)
	} else {
		err = job.Decrypt(h.path)
	}
	if err != nil {
		return err
	}
	h.encryption = job
	h.state = next
	return nil
}

// Remove deletes the file. On permission failure the handle stays Removing.
func (h *Handle) Remove() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateIdle, StateMismatch, StateError, StateRemoving:
	default:
		return ErrInvalidState.WithMessagef("remove %s while %s", h.path, h.state)
	}
	h.state = StateRemoving
	if err := os.Remove(h.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		err = classify(h.path, err)
		h.messages = append(h.messages, "[ERROR] "+err.Error())
		return err
	}
	if _, err := os.Lstat(h.path); err == nil {
		return ErrInternal.WithMessagef("%s still exists after remove", h.path)
	}
	h.state = StateRemoved
	h.size = -1
	return nil
}

// Append writes text at the end of the file and re-reads its size.
func (h *Handle) Append(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireIdleLocked("append"); err != nil {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return classify(h.path, err)
	}
	_, err = f.WriteString(text)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return classify(h.path, err)
	}
	h.readSizeLocked()
	return nil
}

// Wait blocks on the running checksum or encryption job and refreshes.
func (h *Handle) Wait() State {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case StateCksumCalc, StateValidating:
		h.checksum.Wait()
	case StateEncrypt, StateDecrypt:
		h.encryption.Wait()
	}
	h.Refresh()
	return h.State()
}

// Stat re-reads the size of an idle file, used after data was written to it
// by another process.
func (h *Handle) Stat() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateIdle {
		h.readSizeLocked()
	}
	return h.size
}

// ClearError returns a Mismatch or Error handle to Idle.
func (h *Handle) ClearError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateMismatch && h.state != StateError {
		return
	}
	h.checksum.Reset()
	if h.encryption != nil {
		h.encryption.Reset()
	}
	h.state = StateIdle
}

// Cancel kills a running checksum job.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateCksumCalc || h.state == StateValidating {
		h.checksum.Cancel()
		h.state = StateError
		h.messages = append(h.messages, h.checksum.Messages()...)
	}
}

func (h *Handle) ID() int {
	return h.id
}
func (h *Handle) Path() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.path
}
func (h *Handle) Name() string {
	return filepath.Base(h.Path())
}
func (h *Handle) Context() string {
	return h.context
}

// RelativePath is the path below the folder the file was found in.
func (h *Handle) RelativePath() string {
	path := h.Path()
	if h.base == "" {
		return filepath.Base(path)
	}
	rel, err := filepath.Rel(h.base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return rel
}
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}
func (h *Handle) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}
func (h *Handle) Checksum() *integrity.ChecksumJob {
	return h.checksum
}

type Snapshot struct {
	ID       int                        `json:"id" yaml:"id"`
	Path     string                     `json:"path" yaml:"path"`
	Context  string                     `json:"context,omitempty" yaml:"context,omitempty"`
	Size     int64                      `json:"size" yaml:"size"`
	State    State                      `json:"state" yaml:"state"`
	Messages []string                   `json:"messages,omitempty" yaml:"messages,omitempty"`
	Checksum integrity.ChecksumSnapshot `json:"checksum" yaml:"checksum"`
}

func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:       h.id,
		Path:     h.path,
		Context:  h.context,
		Size:     h.size,
		State:    h.state,
		Messages: append([]string(nil), h.messages...),
		Checksum: h.checksum.Snapshot(),
	}
}
