package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Logger appends timestamped events to a log file. A nil *Logger discards
// everything so engine objects can run without one.
type Logger struct {
	Filename string
	mu       sync.Mutex
}

func NewLogger(filename string, cleanup bool) *Logger {
	// if cleanup create or clear the log file
	if cleanup {
		os.Remove(filename)
	}
	// see if file exists
	if _, err := os.Stat(filename); err != nil {
		if f, err := os.Create(filename); err == nil {
			f.Close()
		}
	}
	return &Logger{Filename: filename}
}
func (l *Logger) Event(message ...any) {
	l.write("Event", message...)
}

// Error records a failure that the caller handles itself.
func (l *Logger) Error(message ...any) {
	l.write("Error", message...)
}
func (l *Logger) Fatal(message ...any) {
	l.write("Fatal", message...)
	fmt.Fprintln(os.Stderr, fmt.Sprint(message...))
	os.Exit(1)
}
func (l *Logger) write(kind string, message ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	// open the file in append mode
	f, err := os.OpenFile(l.Filename, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	// write the header to the file
	if _, err := fmt.Fprintf(f, "%s: %s: ", l.getTime(), kind); err != nil {
		fmt.Println("Error writing event to log file:", err)
	}
	if _, err := fmt.Fprintln(f, fmt.Sprint(message...)); err != nil {
		fmt.Println("Error writing event to log file:", err)
	}
}
func (l *Logger) getTime() string {
	// get the current time in the format YYYY-MM-DD HH:MM:SS
	return time.Now().Format("2006-01-02 15:04:05")
}
