// Package notify is the user-facing notification sink.
package notify

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

type Severity int

const (
	Info Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Notifier is fire-and-forget: implementations must not block or fail.
type Notifier interface {
	Notify(message string, severity Severity)
}

// Terminal prints notifications, coloured when the writer is a terminal.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewTerminal writes to w. Colour is enabled when w is a terminal file.
func NewTerminal(w io.Writer) *Terminal {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Terminal{w: w, color: color}
}

var colors = map[Severity]string{
	Info:    "\x1b[32m",
	Warning: "\x1b[33m",
	Error:   "\x1b[31m",
}

func (t *Terminal) Notify(message string, severity Severity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.color {
		fmt.Fprintf(t.w, "%s%s\x1b[0m %s\n", colors[severity], severity, message)
		return
	}
	fmt.Fprintf(t.w, "[%s] %s\n", severity, message)
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(string, Severity) {}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

type Message struct {
	Text     string
	Severity Severity
}

func (r *Recorder) Notify(message string, severity Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Text: message, Severity: severity})
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Messages) == 0 {
		return Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}
