// Package trace records Chrome trace events for the phases of packing and
// launching an executable. Load the resulting file in chrome://tracing or
// https://ui.perfetto.dev.
package trace

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/edit

var start = time.Now()

var (
	sinkMu sync.Mutex
	sink   io.Writer = io.Discard
	events int
)

// Sink writes all following events into w, in the JSON Array Format.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	events = 0
	w.Write([]byte{'['})
}

// Create writes all following events into a new file at path. The returned
// function terminates the array, stops recording and closes the file.
func Create(path string) (func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	Sink(f)
	return func() error {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		sink = io.Discard
		if _, err := f.Write([]byte("]\n")); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

// Span is a complete event ("X"), recorded when Done is called.
type Span struct {
	Name           string                 `json:"name"`
	Categories     string                 `json:"cat"`
	Type           string                 `json:"ph"`
	ClockTimestamp uint64                 `json:"ts"` // microseconds
	Duration       uint64                 `json:"dur"`
	Pid            int                    `json:"pid"`
	Tid            int                    `json:"tid"`
	Args           map[string]interface{} `json:"args,omitempty"`

	start time.Time
}

// Event starts a span called name in category cat.
func Event(name, cat string) *Span {
	return &Span{
		Name:           name,
		Categories:     cat,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Pid:            os.Getpid(),
		start:          time.Now(),
	}
}

// Arg attaches a value which is displayed with the span.
func (s *Span) Arg(key string, val interface{}) *Span {
	if s.Args == nil {
		s.Args = make(map[string]interface{})
	}
	s.Args[key] = val
	return s
}

// Done records the span.
func (s *Span) Done() {
	s.Duration = uint64(time.Since(s.start) / time.Microsecond)
	b, err := json.Marshal(s)
	if err != nil {
		slog.Warn("trace: encoding event failed", "name", s.Name, "err", err)
		return
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if events > 0 {
		b = append([]byte{','}, b...)
	}
	if _, err := sink.Write(b); err != nil {
		slog.Warn("trace: writing event failed", "err", err)
		return
	}
	events++
}
