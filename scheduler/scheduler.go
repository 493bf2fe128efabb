// Package scheduler pumps the files of a backup or restore through a bounded
// preparation stage (encryption, checksums) and the single stream transfer
// stage of a tape drive.
package scheduler

import (
	"context"
	"sort"
	"time"

	"tbk/files"
	"tbk/process"
	"tbk/tapehardware"
	"tbk/toc"
)

type State string

const (
	WaitForDrive    State = "WaitForDrive"
	WaitForChecksum State = "WaitForChecksum"
	ChecksumError   State = "ChecksumError"
	WriteError      State = "WriteError"
	ReadError       State = "ReadError"
	Error           State = "Error"
	Done            State = "Done"
)

// Terminal states are sticky.
func (s State) Terminal() bool {
	switch s {
	case ChecksumError, WriteError, ReadError, Error, Done:
		return true
	}
	return false
}

// Drive is the part of a tape drive the schedulers use.
type Drive interface {
	Alias() string
	Refresh()
	State() tapehardware.DriveState
	Tape() tapehardware.Tape
	BlockSize() string
	LastCommand() *process.AsyncProcess
	LastMessage() string
	Rewind() error
	Eject() error
	Write(file *files.Handle) error
	WriteTOC(t *toc.TableOfContent) error
	Read(file *files.Handle) error
	CancelOperation() error
}

var _ Drive = (*tapehardware.TapeDrive)(nil)

// Snapshot lists file ids per stage, every file is in exactly one list.
type Snapshot struct {
	State State `json:"state" yaml:"state"`
	// Queued files wait for a preparation slot, Preparing files hold one.
	Queued    []int `json:"queued" yaml:"queued"`
	Preparing []int `json:"preparing" yaml:"preparing"`
	// Pending files wait for the drive, Transferring is the file on the drive.
	Pending       []int             `json:"pending" yaml:"pending"`
	Transferring  []int             `json:"transferring" yaml:"transferring"`
	Completed     []int             `json:"completed" yaml:"completed"`
	Skipped       []int             `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed        []int             `json:"failed" yaml:"failed"`
	BackupID      string            `json:"backupId,omitempty" yaml:"backupId,omitempty"`
	FailedCommand *process.Snapshot `json:"failedCommand,omitempty" yaml:"failedCommand,omitempty"`
	Messages      []string          `json:"messages,omitempty" yaml:"messages,omitempty"`
}

// drivePhase is the drive command the scheduler waits for
type drivePhase int

const (
	phaseNone drivePhase = iota
	phaseRewind
	phaseTOC
	phaseTransfer
	phaseFinalRewind
	phaseEject
)

func (p drivePhase) String() string {
	return [...]string{"none", "rewind", "toc", "transfer", "rewind", "eject"}[p]
}

// run steps until a terminal state or until ctx is done, in which case the
// scheduler is cancelled
func run(ctx context.Context, step func() State, cancel func()) State {
	ticker := time.NewTicker(process.PollInterval)
	defer ticker.Stop()
	for {
		if state := step(); state.Terminal() {
			return state
		}
		select {
		case <-ctx.Done():
			cancel()
			return step()
		case <-ticker.C:
		}
	}
}

// insert keeps jobs in discovery order
func insert(queue []*job, j *job) []*job {
	i := sort.Search(len(queue), func(i int) bool { return queue[i].index > j.index })
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = j
	return queue
}

func ids(jobs []*job) []int {
	out := make([]int, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.id)
	}
	return out
}
