package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/facebridge/internal/console"
	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/rules"
	"github.com/banshee-data/facebridge/internal/tracking"
	"github.com/banshee-data/facebridge/internal/vts"
)

type fakeSource struct {
	mu          sync.Mutex
	initResults []bool
	initCalls   int
	sendErr     error
	sendCalls   int
	recvCalls   int
	recvPanic   bool
	status      health.Status
	closeCalls  int
	closeErr    error
	frames      chan tracking.Frame
}

func newFakeSource() *fakeSource {
	return &fakeSource{status: health.StatusHealthy, frames: make(chan tracking.Frame, 1)}
}

func (f *fakeSource) TryInitialize(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if len(f.initResults) == 0 {
		return true
	}
	ok := f.initResults[0]
	if len(f.initResults) > 1 {
		f.initResults = f.initResults[1:]
	}
	if ok {
		f.status = health.StatusHealthy
	}
	return ok
}

func (f *fakeSource) SendTrackingRequest(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendErr
}

func (f *fakeSource) ReceiveResponse(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.recvCalls++
	shouldPanic := f.recvPanic
	f.recvPanic = false
	f.mu.Unlock()
	if shouldPanic {
		panic("decoder exploded")
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(time.Millisecond):
		return false, nil
	}
}

func (f *fakeSource) Frames() <-chan tracking.Frame { return f.frames }

func (f *fakeSource) Stats() health.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return health.New(tracking.ServiceName, f.status, time.Time{}, nil, nil)
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeSource) calls() (init, send, recv, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls, f.sendCalls, f.recvCalls, f.closeCalls
}

type fakeSink struct {
	mu          sync.Mutex
	state       vts.ConnState
	status      health.Status
	initResults []bool
	initCalls   int
	synced      [][]rules.ParameterDefinition
	syncErr     error
	sent        [][]rules.Parameter
	sendErr     error
	sendPanics  int
	closeCalls  int
	closeErr    error
}

func newFakeSink() *fakeSink {
	return &fakeSink{state: vts.StateOpen, status: health.StatusHealthy}
}

func (f *fakeSink) TryInitialize(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	ok := true
	if len(f.initResults) > 0 {
		ok = f.initResults[0]
		if len(f.initResults) > 1 {
			f.initResults = f.initResults[1:]
		}
	}
	if ok {
		f.state, f.status = vts.StateOpen, health.StatusHealthy
	} else {
		f.state, f.status = vts.StateClosed, health.StatusDisconnected
	}
	return ok
}

func (f *fakeSink) State() vts.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSink) Stats() health.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return health.New(vts.ServiceName, f.status, time.Time{}, nil, nil)
}

func (f *fakeSink) SyncParameters(_ context.Context, defs []rules.ParameterDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, defs)
	return f.syncErr
}

func (f *fakeSink) SendTracking(_ context.Context, params []rules.Parameter, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendPanics > 0 {
		f.sendPanics--
		panic("sink exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, params)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return f.closeErr
}

func (f *fakeSink) set(state vts.ConnState, status health.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.status = state, status
}

func (f *fakeSink) sentCopy() [][]rules.Parameter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]rules.Parameter(nil), f.sent...)
}

func (f *fakeSink) syncCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.synced)
}

func (f *fakeSink) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCalls
}

// recordingPolicy hands out a fixed delay sequence and counts resets.
type recordingPolicy struct {
	delays []time.Duration
	calls  int
	resets int
}

func (p *recordingPolicy) NextDelay() time.Duration {
	d := p.delays[min(p.calls, len(p.delays)-1)]
	p.calls++
	return d
}

func (p *recordingPolicy) Reset() {
	p.resets++
	p.calls = 0
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []console.Status
}

func (r *fakeReporter) Report(s console.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, s)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

type fakeKeys struct {
	mu   sync.Mutex
	keys []rune
	done chan struct{}
}

func newFakeKeys() *fakeKeys {
	return &fakeKeys{done: make(chan struct{})}
}

func (k *fakeKeys) Done() <-chan struct{} { return k.done }

func (k *fakeKeys) push(r rune) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = append(k.keys, r)
}

func (k *fakeKeys) Poll() (rune, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 {
		return 0, false
	}
	r := k.keys[0]
	k.keys = k.keys[1:]
	return r, true
}
