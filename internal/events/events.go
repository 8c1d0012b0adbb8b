// Package events is the boundary between the broadcaster core and whatever
// shell presents it to an operator. The core reports everything it wants a
// human to see as an Event, and flips a single "active" signal when the
// server starts/stops or the client connects/disconnects.
package events

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Kind classifies an event for presentation.
type Kind int

const (
	KindInfo    Kind = iota // lifecycle progress
	KindWarning             // recoverable trouble (transient accept error, dropped peer)
	KindError               // a failed operator action or an unsolicited disconnect
	KindMessage             // a notification line received from the server
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindWarning:
		return "warning"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one log line for the operator.
type Event struct {
	Kind Kind
	Code string // error code for KindWarning/KindError, empty otherwise
	Text string
	At   time.Time
}

// Sink receives events and the active signal. Implementations must be
// safe for concurrent use: the accept loop, every client handler and the
// receive loop all emit from their own goroutines.
type Sink interface {
	Emit(Event)
	SetActive(active bool)
}

// Info builds a KindInfo event.
func Info(format string, args ...interface{}) Event {
	return Event{Kind: KindInfo, Text: fmt.Sprintf(format, args...), At: time.Now()}
}

// Warning builds a KindWarning event carrying code.
func Warning(code, format string, args ...interface{}) Event {
	return Event{Kind: KindWarning, Code: code, Text: fmt.Sprintf(format, args...), At: time.Now()}
}

// Error builds a KindError event carrying code.
func Error(code, format string, args ...interface{}) Event {
	return Event{Kind: KindError, Code: code, Text: fmt.Sprintf(format, args...), At: time.Now()}
}

// Message builds a KindMessage event for a received line.
func Message(line string) Event {
	return Event{Kind: KindMessage, Text: line, At: time.Now()}
}

// Discard drops everything.
type Discard struct{}

func (Discard) Emit(Event)     {}
func (Discard) SetActive(bool) {}

// LogSink writes events through the standard logger with a component
// prefix, e.g. "server: client 10.0.0.2:5123 disconnected".
type LogSink struct {
	Component string
}

// Emit implements Sink.
func (s LogSink) Emit(e Event) {
	switch {
	case e.Code != "":
		log.Printf("%s: [%s] %s (%s)", s.Component, e.Kind, e.Text, e.Code)
	case e.Kind == KindInfo:
		log.Printf("%s: %s", s.Component, e.Text)
	default:
		log.Printf("%s: [%s] %s", s.Component, e.Kind, e.Text)
	}
}

// SetActive implements Sink.
func (s LogSink) SetActive(active bool) {
	log.Printf("%s: active=%t", s.Component, active)
}

// Recorder keeps every event in memory. It is used by tests and by shells
// that render history on demand.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	active []bool
	notify chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.poke()
}

// SetActive implements Sink.
func (r *Recorder) SetActive(active bool) {
	r.mu.Lock()
	r.active = append(r.active, active)
	r.mu.Unlock()
	r.poke()
}

func (r *Recorder) poke() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ActiveSignals returns every active value received, in order.
func (r *Recorder) ActiveSignals() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bool, len(r.active))
	copy(out, r.active)
	return out
}

// Messages returns the text of every KindMessage event.
func (r *Recorder) Messages() []string {
	var out []string
	for _, e := range r.Events() {
		if e.Kind == KindMessage {
			out = append(out, e.Text)
		}
	}
	return out
}

// Count returns how many recorded events match pred.
func (r *Recorder) Count(pred func(Event) bool) int {
	n := 0
	for _, e := range r.Events() {
		if pred(e) {
			n++
		}
	}
	return n
}

// WaitFor blocks until pred matches some recorded event or timeout
// elapses. It reports whether a match was found.
func (r *Recorder) WaitFor(pred func(Event) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	// The poll tick covers concurrent waiters sharing one notify slot.
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		if r.Count(pred) > 0 {
			return true
		}
		select {
		case <-r.notify:
		case <-tick.C:
		case <-deadline.C:
			return r.Count(pred) > 0
		}
	}
}

// HasCode matches events carrying code.
func HasCode(code string) func(Event) bool {
	return func(e Event) bool { return e.Code == code }
}

// IsMessage matches a received line equal to text.
func IsMessage(text string) func(Event) bool {
	return func(e Event) bool { return e.Kind == KindMessage && e.Text == text }
}
