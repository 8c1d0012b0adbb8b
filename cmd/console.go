package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/TrongDang2608/Secure-Broadcaster/internal/events"
)

// levelRank orders log levels; events below the configured rank are hidden.
var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

func kindRank(k events.Kind) int {
	switch k {
	case events.KindInfo:
		return levelRank["info"]
	case events.KindWarning:
		return levelRank["warn"]
	default:
		// Errors and received lines are always shown.
		return levelRank["error"]
	}
}

// consoleSink renders events for an operator. Colors are used only when
// the writer is a terminal and NO_COLOR is unset.
type consoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	level string

	info, warn, fail, from *color.Color
}

func newConsoleSink(w io.Writer, level string) *consoleSink {
	s := &consoleSink{
		w:     w,
		level: level,
		info:  color.New(color.Faint),
		warn:  color.New(color.FgYellow),
		fail:  color.New(color.FgRed, color.Bold),
		from:  color.New(color.FgCyan),
	}
	if !isTerminal(w) || color.NoColor {
		for _, c := range []*color.Color{s.info, s.warn, s.fail, s.from} {
			c.DisableColor()
		}
	} else {
		for _, c := range []*color.Color{s.info, s.warn, s.fail, s.from} {
			c.EnableColor()
		}
	}
	return s
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Emit implements events.Sink.
func (s *consoleSink) Emit(e events.Event) {
	if kindRank(e.Kind) < levelRank[s.level] {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.info.Sprint(e.At.Format("15:04:05"))
	switch e.Kind {
	case events.KindMessage:
		fmt.Fprintf(s.w, "%s %s %s\n", stamp, s.from.Sprint("Server:"), e.Text)
	case events.KindWarning:
		fmt.Fprintf(s.w, "%s %s %s\n", stamp, s.warn.Sprint("warning:"), withCode(e))
	case events.KindError:
		fmt.Fprintf(s.w, "%s %s %s\n", stamp, s.fail.Sprint("error:"), withCode(e))
	default:
		fmt.Fprintf(s.w, "%s %s\n", stamp, e.Text)
	}
}

func withCode(e events.Event) string {
	if e.Code == "" {
		return e.Text
	}
	return fmt.Sprintf("%s (%s)", e.Text, e.Code)
}

// SetActive implements events.Sink. The active signal only matters to
// interactive shells, so the console shows it at debug level.
func (s *consoleSink) SetActive(active bool) {
	if s.level != "debug" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := "inactive"
	if active {
		state = "active"
	}
	fmt.Fprintf(s.w, "%s %s\n", s.info.Sprint(time.Now().Format("15:04:05")), s.info.Sprint("["+state+"]"))
}

// teeSink forwards to every sink in order.
type teeSink []events.Sink

func (t teeSink) Emit(e events.Event) {
	for _, s := range t {
		s.Emit(e)
	}
}

func (t teeSink) SetActive(active bool) {
	for _, s := range t {
		s.SetActive(active)
	}
}

// setupLogging routes the standard logger. Component logs (audit writes,
// shutdown races, registry drops) go to stderr at debug level and are
// discarded otherwise.
func setupLogging(level string, stderr io.Writer) {
	if level == "debug" {
		log.SetOutput(stderr)
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		return
	}
	log.SetOutput(io.Discard)
}

// newSink builds the operator sink for one command. At debug level every
// event is also mirrored to the component log.
func newSink(stdout io.Writer, level, component string) events.Sink {
	console := newConsoleSink(stdout, level)
	if level == "debug" {
		return teeSink{console, events.LogSink{Component: component}}
	}
	return console
}
