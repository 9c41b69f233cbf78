package admin

import (
	"slices"
	"sync"
	"time"

	"github.com/banshee-data/facebridge/internal/rules"
)

// DefaultHistorySize is how many samples are kept per parameter.
const DefaultHistorySize = 600

// Sample is one forwarded parameter value.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// History keeps the most recent forwarded values of every parameter.
type History struct {
	mu       sync.Mutex
	capacity int
	series   map[string][]Sample
}

// NewHistory creates a history holding up to capacity samples per parameter.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{capacity: capacity, series: make(map[string][]Sample)}
}

// Record appends one frame's parameters.
func (h *History) Record(at time.Time, params []rules.Parameter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range params {
		s := append(h.series[p.ID], Sample{At: at, Value: p.Value})
		if len(s) > h.capacity {
			s = slices.Clone(s[len(s)-h.capacity:])
		}
		h.series[p.ID] = s
	}
}

// Snapshot returns a copy of every series.
func (h *History) Snapshot() map[string][]Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]Sample, len(h.series))
	for k, v := range h.series {
		out[k] = slices.Clone(v)
	}
	return out
}

// Names returns the recorded parameter names in sorted order.
func (h *History) Names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.series))
	for k := range h.series {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Reset forgets all samples, typically after a rules reload.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.series = make(map[string][]Sample)
}
