// Package integrity computes and validates file checksums and encrypts files
// through external utilities run as AsyncProcesses.
package integrity

import (
	"fmt"
	"strings"
	"sync"

	"tbk/process"
	. "tbk/utils"
)

type Algorithm string

const (
	MD5    Algorithm = "MD5"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
	None   Algorithm = "NONE"
)

// ParseAlgorithm accepts the algorithm names case insensitively; "" means None.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToUpper(strings.TrimSpace(name))) {
	case MD5:
		return MD5, nil
	case SHA256, "SHA-256":
		return SHA256, nil
	case SHA512, "SHA-512":
		return SHA512, nil
	case None, "":
		return None, nil
	}
	return None, ErrInvalidArgument.WithMessagef("unknown checksum algorithm %q", name)
}

// tool prints "<digest> <path>" for one file
func (a Algorithm) tool() string {
	switch a {
	case MD5:
		return "md5sum"
	case SHA512:
		return "sha512sum"
	default:
		return "sha256sum"
	}
}

type ChecksumState string

const (
	ChecksumIdle       ChecksumState = "Idle"
	ChecksumCreating   ChecksumState = "Creating"
	ChecksumValidating ChecksumState = "Validating"
	ChecksumMismatch   ChecksumState = "Mismatch"
	ChecksumError      ChecksumState = "Error"
)

// ChecksumJob computes the digest of one file. It is owned by a file handle
// and retargeted whenever the file moves.
type ChecksumJob struct {
	mu        sync.Mutex
	algorithm Algorithm
	path      string
	value     string
	target    string
	state     ChecksumState
	proc      *process.AsyncProcess
	messages  []string
}

func NewChecksumJob(path string, algorithm Algorithm) *ChecksumJob {
	return &ChecksumJob{
		algorithm: algorithm,
		path:      path,
		state:     ChecksumIdle,
	}
}

// Create starts computing the digest.
func (c *ChecksumJob) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.algorithm == None {
		return nil
	}
	if c.state != ChecksumIdle {
		return ErrInvalidState.WithMessagef("checksum of %s is %s", c.path, c.state)
	}
	return c.startLocked(ChecksumCreating)
}

// Validate computes the digest and compares it with target.
func (c *ChecksumJob) Validate(target string) error {
	if target == "" {
		return ErrInvalidArgument.WithMessage("validate needs a target checksum")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.algorithm == None {
		return nil
	}
	if c.state != ChecksumIdle {
		return ErrInvalidState.WithMessagef("checksum of %s is %s", c.path, c.state)
	}
	c.target = strings.ToLower(strings.TrimSpace(target))
	return c.startLocked(ChecksumValidating)
}

func (c *ChecksumJob) startLocked(next ChecksumState) error {
	c.proc = process.New(fmt.Sprintf("%s %s", c.algorithm.tool(), Quote(c.path)))
	if err := c.proc.Start(); err != nil {
		c.state = ChecksumError
		c.messages = append(c.messages, "[ERROR] "+err.Error())
		return err
	}
	c.state = next
	return nil
}

// Status polls the running process and applies its result.
func (c *ChecksumJob) Status() ChecksumState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pollLocked()
	return c.state
}

func (c *ChecksumJob) pollLocked() {
	if c.state != ChecksumCreating && c.state != ChecksumValidating {
		return
	}
	s := c.proc.Status()
	if s.Running {
		return
	}
	if s.ExitCode != 0 {
		c.state = ChecksumError
		c.messages = append(c.messages, fmt.Sprintf("[ERROR] %s of %s failed with exit code %d", c.algorithm, c.path, s.ExitCode))
		c.messages = append(c.messages, s.Stderr...)
		return
	}
	digest := ""
	if len(s.Stdout) > 0 {
		if fields := strings.Fields(s.Stdout[0]); len(fields) > 0 {
			digest = strings.ToLower(strings.TrimPrefix(fields[0], "\\"))
		}
	}
	if digest == "" {
		c.state = ChecksumError
		c.messages = append(c.messages, fmt.Sprintf("[ERROR] %s of %s printed no digest", c.algorithm, c.path))
		return
	}
	c.value = digest
	if c.state == ChecksumValidating && c.value != c.target {
		c.state = ChecksumMismatch
		c.messages = append(c.messages, fmt.Sprintf("[ERROR] %s expected %s, got %s", c.path, c.target, c.value))
		return
	}
	c.state = ChecksumIdle
}

// Wait blocks until the running process exits.
func (c *ChecksumJob) Wait() ChecksumState {
	c.mu.Lock()
	proc := c.proc
	busy := c.state == ChecksumCreating || c.state == ChecksumValidating
	c.mu.Unlock()
	if busy {
		proc.Wait(0)
	}
	return c.Status()
}

// Cancel kills a running computation and leaves the job in Error.
func (c *ChecksumJob) Cancel() {
	c.mu.Lock()
	proc := c.proc
	busy := c.state == ChecksumCreating || c.state == ChecksumValidating
	c.mu.Unlock()
	if !busy {
		return
	}
	proc.Kill()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ChecksumError
	c.messages = append(c.messages, "[INFO] checksum cancelled")
}

// Retarget points the job at a new path, only while idle.
func (c *ChecksumJob) Retarget(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChecksumCreating || c.state == ChecksumValidating {
		return ErrInvalidState.WithMessagef("checksum of %s is %s", c.path, c.state)
	}
	c.path = path
	return nil
}

// Reset returns a Mismatch or Error job to Idle, keeping the last digest.
func (c *ChecksumJob) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ChecksumMismatch || c.state == ChecksumError {
		c.state = ChecksumIdle
		c.target = ""
	}
}

func (c *ChecksumJob) Algorithm() Algorithm {
	return c.algorithm
}
func (c *ChecksumJob) Value() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
func (c *ChecksumJob) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}
func (c *ChecksumJob) State() ChecksumState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
func (c *ChecksumJob) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}
func (c *ChecksumJob) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// Process returns the last process run, nil before the first run.
func (c *ChecksumJob) Process() *process.AsyncProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc
}

type ChecksumSnapshot struct {
	Algorithm Algorithm     `json:"algorithm" yaml:"algorithm"`
	Path      string        `json:"path" yaml:"path"`
	State     ChecksumState `json:"state" yaml:"state"`
	Value     string        `json:"value,omitempty" yaml:"value,omitempty"`
	Target    string        `json:"target,omitempty" yaml:"target,omitempty"`
	Messages  []string      `json:"messages,omitempty" yaml:"messages,omitempty"`
}

func (c *ChecksumJob) Snapshot() ChecksumSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChecksumSnapshot{
		Algorithm: c.algorithm,
		Path:      c.path,
		State:     c.state,
		Value:     c.value,
		Target:    c.target,
		Messages:  append([]string(nil), c.messages...),
	}
}
