package tracking

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// intervalWindow is how many inter-frame intervals feed the jitter figures.
const intervalWindow = 120

// PacketStats tracks datagram and frame statistics with thread-safe
// operations. Counters are cumulative for the lifetime of the source.
type PacketStats struct {
	mu            sync.Mutex
	requests      int64
	sendErrors    int64
	datagrams     int64
	bytes         int64
	frames        int64
	decodeErrors  int64
	droppedFrames int64
	resets        int64

	lastFrame time.Time
	intervals []float64 // microseconds, ring buffer
	next      int
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{intervals: make([]float64, 0, intervalWindow)}
}

// AddRequest counts one tracking request sent to the phone.
func (ps *PacketStats) AddRequest() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.requests++
}

// AddSendError counts one failed request send.
func (ps *PacketStats) AddSendError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.sendErrors++
}

// AddReset counts one tolerated connection reset.
func (ps *PacketStats) AddReset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.resets++
}

// AddDatagram increments datagram count and byte count.
func (ps *PacketStats) AddDatagram(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.datagrams++
	ps.bytes += int64(bytes)
}

// AddDecodeError counts a datagram that could not be decoded.
func (ps *PacketStats) AddDecodeError() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decodeErrors++
}

// AddDropped counts a frame replaced before anyone consumed it.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedFrames++
}

// AddFrame counts a decoded frame received at now and records the interval
// since the previous one.
func (ps *PacketStats) AddFrame(now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frames++
	if !ps.lastFrame.IsZero() {
		us := float64(now.Sub(ps.lastFrame).Microseconds())
		if len(ps.intervals) < intervalWindow {
			ps.intervals = append(ps.intervals, us)
		} else {
			ps.intervals[ps.next] = us
			ps.next = (ps.next + 1) % intervalWindow
		}
	}
	ps.lastFrame = now
}

// LastFrame returns when the most recent frame was decoded.
func (ps *PacketStats) LastFrame() time.Time {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.lastFrame
}

// Counters returns a copy of all counters, including the mean and standard
// deviation of recent inter-frame intervals in microseconds.
func (ps *PacketStats) Counters() map[string]int64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := map[string]int64{
		"requests":       ps.requests,
		"send_errors":    ps.sendErrors,
		"resets":         ps.resets,
		"datagrams":      ps.datagrams,
		"bytes":          ps.bytes,
		"frames":         ps.frames,
		"decode_errors":  ps.decodeErrors,
		"dropped_frames": ps.droppedFrames,
	}
	if len(ps.intervals) > 1 {
		mean, std := stat.MeanStdDev(ps.intervals, nil)
		out["frame_interval_mean_us"] = int64(mean)
		out["frame_interval_stddev_us"] = int64(std)
	}
	return out
}
