// Package monitoring holds the process-wide log streams used by every
// facebridge component.
package monitoring

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

var (
	mu          sync.RWMutex
	opsLogger   = newLogger(log.Writer())
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures all three logging streams at once.
// Pass nil for any writer to disable that stream.
func SetLogWriters(w LogWriters) {
	mu.Lock()
	defer mu.Unlock()
	opsLogger = newLogger(w.Ops)
	diagLogger = newLogger(w.Diag)
	traceLogger = newLogger(w.Trace)
}

// WritersForLevel returns the stream configuration for a -log-level value.
// Each level includes the streams of the levels before it: ops < diag < trace.
func WritersForLevel(level string, w io.Writer) (LogWriters, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "ops":
		return LogWriters{Ops: w}, nil
	case "diag":
		return LogWriters{Ops: w, Diag: w}, nil
	case "trace":
		return LogWriters{Ops: w, Diag: w, Trace: w}, nil
	case "off", "none":
		return LogWriters{}, nil
	default:
		return LogWriters{}, fmt.Errorf("unknown log level %q (want ops, diag, trace or off)", level)
	}
}

func newLogger(w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, "[bridge] ", log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (actionable warnings, errors, lifecycle events).
func Opsf(format string, args ...interface{}) {
	mu.RLock()
	l := opsLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Diagf logs to the diag stream (reload summaries, sync results).
func Diagf(format string, args ...interface{}) {
	mu.RLock()
	l := diagLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// Tracef logs to the trace stream (per-frame and per-datagram telemetry).
func Tracef(format string, args ...interface{}) {
	mu.RLock()
	l := traceLogger
	mu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
