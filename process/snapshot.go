package process

// Snapshot is a copy of the observable state of one process run.
type Snapshot struct {
	Command        string   `json:"command" yaml:"command"`
	PID            int      `json:"pid" yaml:"pid"`
	Running        bool     `json:"running" yaml:"running"`
	Exited         bool     `json:"exited" yaml:"exited"`
	ExitCode       int      `json:"exitCode" yaml:"exitCode"`
	Stdout         []string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr         []string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	IOCounters     []string `json:"ioCounters,omitempty" yaml:"ioCounters,omitempty"`
	StatusMessages []string `json:"statusMessages,omitempty" yaml:"statusMessages,omitempty"`
	SizeHint       int64    `json:"sizeHint,omitempty" yaml:"sizeHint,omitempty"`
	Transferred    int64    `json:"transferred,omitempty" yaml:"transferred,omitempty"`
}

// Failed reports a finished run with a nonzero exit code.
func (s Snapshot) Failed() bool {
	return s.Exited && s.ExitCode != 0
}

// Succeeded reports a finished run that exited 0.
func (s Snapshot) Succeeded() bool {
	return s.Exited && s.ExitCode == 0
}

func (p *AsyncProcess) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *AsyncProcess) snapshotLocked() Snapshot {
	return Snapshot{
		Command:        p.command,
		PID:            p.pid,
		Running:        p.running,
		Exited:         p.exited,
		ExitCode:       p.exitCode,
		Stdout:         append([]string(nil), p.stdout...),
		Stderr:         append([]string(nil), p.stderr...),
		IOCounters:     append([]string(nil), p.ioCounters...),
		StatusMessages: append([]string(nil), p.statusMessages...),
		SizeHint:       p.sizeHint,
		Transferred:    p.transferredLocked(),
	}
}
