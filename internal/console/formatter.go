package console

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/rules"
)

// Status is everything the status screen shows for one refresh.
type Status struct {
	Time       time.Time
	Pipeline   string
	RulesPath  string
	Tracking   health.Snapshot
	Sink       health.Snapshot
	Engine     health.Snapshot
	Parameters []rules.Parameter
}

// Settings are the operator-controlled display options.
type Settings struct {
	Tracking Verbosity
	Sink     Verbosity
	Help     bool
}

// Formatter renders a Status as plain text.
type Formatter struct {
	Settings
	Actions []Action
}

// Format returns the status screen text.
func (f Formatter) Format(s Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "facebridge  [%s]  %s\n", s.Pipeline, s.Time.Format("15:04:05"))
	fmt.Fprintf(&b, "rules: %s\n\n", s.RulesPath)

	if f.Help {
		f.writeHelp(&b)
		return b.String()
	}

	writeService(&b, "Tracking", s.Tracking, f.Tracking.Clamp(), s.Time)
	writeService(&b, "Avatar", s.Sink, f.Sink.Clamp(), s.Time)
	if f.Sink.Clamp() >= Normal {
		writeParameters(&b, s.Parameters, f.Sink.Clamp())
	}
	writeService(&b, "Rules", s.Engine, Normal, s.Time)

	b.WriteString("\npress h for help\n")
	return b.String()
}

func (f Formatter) writeHelp(b *strings.Builder) {
	b.WriteString("Keys:\n")
	for _, a := range f.Actions {
		fmt.Fprintf(b, "  %c  %s\n", a.Key, a.Description)
	}
	fmt.Fprintf(b, "\nverbosity: tracking=%s avatar=%s\n", f.Tracking.Clamp(), f.Sink.Clamp())
}

func writeService(b *strings.Builder, label string, snap health.Snapshot, v Verbosity, now time.Time) {
	status := snap.Status
	if status == "" {
		status = health.StatusNotInitialized
	}
	fmt.Fprintf(b, "%-9s %s\n", label, status)
	if v < Normal {
		return
	}

	if age := snap.Age(now); age >= 0 {
		fmt.Fprintf(b, "          last ok %s ago\n", age.Round(time.Millisecond))
	}
	if snap.LastError != "" {
		fmt.Fprintf(b, "          error: %s\n", snap.LastError)
	}
	if v < Detailed || len(snap.Counters) == 0 {
		return
	}

	keys := make([]string, 0, len(snap.Counters))
	for k := range snap.Counters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "          %-26s %d\n", k, snap.Counters[k])
	}
}

func writeParameters(b *strings.Builder, params []rules.Parameter, v Verbosity) {
	fmt.Fprintf(b, "          %d parameters\n", len(params))
	if v < Detailed {
		return
	}
	for _, p := range params {
		fmt.Fprintf(b, "          %-26s %8.3f\n", p.ID, p.Value)
	}
}

// Display writes the status screen to a terminal on every Report.
type Display struct {
	mu       sync.Mutex
	out      io.Writer
	clear    bool
	actions  *Actions
	settings func() Settings
}

// NewDisplay creates a display. With clear set, each report redraws the
// screen from the top instead of appending.
func NewDisplay(out io.Writer, clear bool, actions *Actions, settings func() Settings) *Display {
	if settings == nil {
		settings = func() Settings { return Settings{} }
	}
	return &Display{out: out, clear: clear, actions: actions, settings: settings}
}

// Report renders s.
func (d *Display) Report(s Status) {
	f := Formatter{Settings: d.settings()}
	if d.actions != nil {
		f.Actions = d.actions.List()
	}
	text := f.Format(s)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.clear {
		io.WriteString(d.out, "\033[H\033[2J")
	}
	io.WriteString(d.out, text)
}
