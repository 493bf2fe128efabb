// Package process runs shell commands in the background and lets callers
// poll them. Every drive, checksum and file operation is one AsyncProcess.
package process

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	. "tbk/utils"
)

// PollInterval is the length of one wait tick.
const PollInterval = 10 * time.Millisecond

// KillGrace is how long Kill waits after SIGTERM before sending SIGKILL.
const KillGrace = 500 * time.Millisecond

const TimeoutMessage = "Timeout reached, process killed"

const rawBlockSize = 4096

type AsyncProcess struct {
	mu sync.Mutex

	command  string
	sizeHint int64
	raw      bool

	cmd         *exec.Cmd
	done        chan struct{}
	pid         int
	running     bool
	exited      bool
	exitCode    int
	startedOnce bool

	stdout         []string
	stderr         []string
	ioCounters     []string
	ioDenied       bool
	statusMessages []string
}

type Option func(*AsyncProcess)

// WithRaw captures output as hex encoded blocks instead of lines.
func WithRaw() Option {
	return func(p *AsyncProcess) { p.raw = true }
}

// WithSizeHint sets the number of bytes the command is expected to move.
func WithSizeHint(size int64) Option {
	return func(p *AsyncProcess) { p.sizeHint = size }
}

func New(command string, opts ...Option) *AsyncProcess {
	p := &AsyncProcess{command: command}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start spawns the command under sh in its own process group.
func (p *AsyncProcess) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrInvalidState.WithMessagef("process %d still running", p.pid)
	}
	if strings.TrimSpace(p.command) == "" {
		return ErrInvalidArgument.WithMessage("empty command")
	}
	p.clearLocked()

	cmd := exec.Command("sh", "-c", p.command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ErrInternal.WithMessagef("stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ErrInternal.WithMessagef("stderr pipe: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return ErrInternal.WithMessagef("start %q: %v", p.command, err)
	}

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.running = true
	p.startedOnce = true
	p.done = make(chan struct{})

	var readers sync.WaitGroup
	readers.Add(2)
	go p.drain(stdout, &p.stdout, &readers)
	go p.drain(stderr, &p.stderr, &readers)

	// wait may only be called once both pipes hit EOF
	done := p.done
	go func() {
		readers.Wait()
		cmd.Wait()
		close(done)
	}()
	return nil
}

// drain copies one pipe into buffer until EOF.
func (p *AsyncProcess) drain(r io.Reader, buffer *[]string, readers *sync.WaitGroup) {
	defer readers.Done()

	if p.raw {
		block := make([]byte, rawBlockSize)
		for {
			n, err := r.Read(block)
			if n > 0 {
				p.mu.Lock()
				*buffer = append(*buffer, hex.EncodeToString(block[:n]))
				p.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.mu.Lock()
			*buffer = append(*buffer, strings.TrimRight(line, "\r\n"))
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Status polls the process without blocking and returns a snapshot.
func (p *AsyncProcess) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollLocked()
	return p.snapshotLocked()
}

func (p *AsyncProcess) pollLocked() {
	if !p.running {
		return
	}
	select {
	case <-p.done:
		p.captureExitLocked()
	default:
		p.readIOCountersLocked()
	}
}

// exit code is set exactly once per run
func (p *AsyncProcess) captureExitLocked() {
	if p.exited {
		return
	}
	p.exitCode = -1
	if p.cmd != nil && p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.exited = true
	p.running = false
	p.cmd = nil
}

func (p *AsyncProcess) readIOCountersLocked() {
	if p.ioDenied {
		return
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/io", p.pid))
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			p.ioDenied = true
			p.statusMessages = append(p.statusMessages,
				fmt.Sprintf("[WARN] Cannot read /proc/%d/io, transfer progress unavailable", p.pid))
		}
		return
	}
	p.ioCounters = strings.Split(strings.TrimSpace(string(data)), "\n")
}

// Wait starts the process if needed and polls until it exits. With ticks > 0
// the process is killed after that many poll intervals.
func (p *AsyncProcess) Wait(ticks int) Snapshot {
	p.mu.Lock()
	needStart := !p.startedOnce && !p.running
	p.mu.Unlock()
	if needStart {
		if err := p.Start(); err != nil {
			p.mu.Lock()
			p.statusMessages = append(p.statusMessages, "[ERROR] "+err.Error())
			snapshot := p.snapshotLocked()
			p.mu.Unlock()
			return snapshot
		}
	}

	for tick := 0; ; tick++ {
		if !p.Status().Running {
			break
		}
		if ticks > 0 && tick >= ticks {
			p.Kill()
			p.mu.Lock()
			p.statusMessages = append(p.statusMessages, TimeoutMessage)
			p.mu.Unlock()
			break
		}
		time.Sleep(PollInterval)
	}
	return p.Status()
}

// Kill terminates the process group, escalating to SIGKILL after KillGrace,
// and returns the exit code. A process that never started returns 0.
func (p *AsyncProcess) Kill() int {
	p.mu.Lock()
	if !p.startedOnce {
		p.mu.Unlock()
		return 0
	}
	p.pollLocked()
	if !p.running {
		code := p.exitCode
		p.mu.Unlock()
		return code
	}
	pid, done := p.pid, p.done
	p.mu.Unlock()

	p.signal(pid, syscall.SIGTERM)
	select {
	case <-done:
	case <-time.After(KillGrace):
		p.signal(pid, syscall.SIGKILL)
		<-done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureExitLocked()
	return p.exitCode
}

func (p *AsyncProcess) signal(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.mu.Lock()
		p.statusMessages = append(p.statusMessages, fmt.Sprintf("[WARN] %s to process group %d failed: %v", sig, pid, err))
		p.mu.Unlock()
	}
}

// Reset kills a running process and clears everything but the command,
// size hint and raw flag.
func (p *AsyncProcess) Reset() {
	p.Kill()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearLocked()
	p.startedOnce = false
	p.exited = false
	p.exitCode = 0
	p.pid = 0
	p.done = nil
}

func (p *AsyncProcess) clearLocked() {
	p.stdout = nil
	p.stderr = nil
	p.ioCounters = nil
	p.ioDenied = false
	p.statusMessages = nil
	p.exited = false
	p.exitCode = 0
}

func (p *AsyncProcess) Command() string {
	return p.command
}
func (p *AsyncProcess) Raw() bool {
	return p.raw
}
func (p *AsyncProcess) SizeHint() int64 {
	return p.sizeHint
}

// ExitCode returns the exit code and whether the process has exited.
func (p *AsyncProcess) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}
func (p *AsyncProcess) Running() bool {
	return p.Status().Running
}
func (p *AsyncProcess) Stdout() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stdout...)
}
func (p *AsyncProcess) Stderr() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.stderr...)
}

// Messages returns status notes recorded by the wrapper itself.
func (p *AsyncProcess) Messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.statusMessages...)
}

// RawOutput decodes stdout of a raw process back into bytes.
func (p *AsyncProcess) RawOutput() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.raw {
		return []byte(strings.Join(p.stdout, "\n")), nil
	}
	var out []byte
	for _, block := range p.stdout {
		data, err := hex.DecodeString(block)
		if err != nil {
			return nil, ErrDecode.WithMessagef("raw block: %v", err)
		}
		out = append(out, data...)
	}
	return out, nil
}

// bytes read so far according to /proc/<pid>/io
func (p *AsyncProcess) transferredLocked() int64 {
	for _, line := range p.ioCounters {
		if value, ok := strings.CutPrefix(line, "rchar:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
