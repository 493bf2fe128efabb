package tapehardware

import (
	"errors"
	"net/http"

	"tbk/files"
	"tbk/process"
	. "tbk/utils"
)

// StatusSummary is the short drive status served to clients.
type StatusSummary struct {
	Alias            string     `json:"alias" yaml:"alias"`
	State            DriveState `json:"state" yaml:"state"`
	LastErrorMessage string     `json:"lastErrorMessage,omitempty" yaml:"lastErrorMessage,omitempty"`
	// CurrentFileID is -1 when no file is being transferred.
	CurrentFileID int `json:"currentFileId" yaml:"currentFileId"`
}

// Detail is the full drive snapshot.
type Detail struct {
	Alias       string            `json:"alias" yaml:"alias"`
	DevicePath  string            `json:"devicePath" yaml:"devicePath"`
	GenericPath string            `json:"genericPath" yaml:"genericPath"`
	Identity    Identity          `json:"identity" yaml:"identity"`
	Tape        Tape              `json:"tape" yaml:"tape"`
	BlockSize   string            `json:"blockSize" yaml:"blockSize"`
	State       DriveState        `json:"state" yaml:"state"`
	LastCommand *process.Snapshot `json:"lastCommand,omitempty" yaml:"lastCommand,omitempty"`
	CurrentFile *files.Snapshot   `json:"currentFile,omitempty" yaml:"currentFile,omitempty"`
	Messages    []string          `json:"messages,omitempty" yaml:"messages,omitempty"`
}

func (d *TapeDrive) Status() StatusSummary {
	d.Refresh()
	summary := StatusSummary{Alias: d.alias, State: d.State(), CurrentFileID: -1}
	if summary.State == DriveError {
		summary.LastErrorMessage = d.LastMessage()
	}
	if f := d.CurrentFile(); f != nil {
		summary.CurrentFileID = f.ID()
	}
	return summary
}

func (d *TapeDrive) Detail() Detail {
	d.Refresh()
	device, generic := d.commands.Paths()

	d.mu.Lock()
	defer d.mu.Unlock()
	detail := Detail{
		Alias:       d.alias,
		DevicePath:  device,
		GenericPath: generic,
		Identity:    d.identity,
		Tape:        d.tape,
		BlockSize:   d.blockSize,
		State:       d.state,
		Messages:    append([]string(nil), d.messages...),
	}
	if d.lastCommand != nil {
		s := d.lastCommand.Snapshot()
		detail.LastCommand = &s
	}
	if d.currentFile != nil {
		s := d.currentFile.Snapshot()
		detail.CurrentFile = &s
	}
	return detail
}

// HTTPStatus maps a drive state to the status code served for it.
func HTTPStatus(state DriveState) int {
	switch state {
	case DriveIdle:
		return http.StatusOK
	case DriveError:
		return http.StatusInternalServerError
	}
	return http.StatusAccepted
}

// HTTPStatusForError maps an operation error to a status code.
func HTTPStatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRewindRequired), errors.Is(err, ErrInvalidState), errors.Is(err, ErrWriteProtected):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
