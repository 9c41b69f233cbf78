// Package orchestrator runs the bridge's control loop. It pulls frames from
// the tracking source, transforms them with the rules engine and forwards
// the resulting parameters to the avatar sink, recovering either service
// when its health snapshot turns unhealthy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/facebridge/internal/console"
	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/recovery"
	"github.com/banshee-data/facebridge/internal/rules"
	"github.com/banshee-data/facebridge/internal/store"
	"github.com/banshee-data/facebridge/internal/timeutil"
	"github.com/banshee-data/facebridge/internal/tracking"
	"github.com/banshee-data/facebridge/internal/vts"
)

var (
	// ErrNotInitialized is returned by Run before Initialize succeeded.
	ErrNotInitialized = errors.New("orchestrator not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize or Run.
	ErrAlreadyInitialized = errors.New("orchestrator already initialized")
)

// Source produces tracking frames.
type Source interface {
	TryInitialize(ctx context.Context) bool
	SendTrackingRequest(ctx context.Context) error
	ReceiveResponse(ctx context.Context) (bool, error)
	Frames() <-chan tracking.Frame
	Stats() health.Snapshot
	Close() error
}

// Sink consumes transformed parameters.
type Sink interface {
	TryInitialize(ctx context.Context) bool
	State() vts.ConnState
	Stats() health.Snapshot
	SyncParameters(ctx context.Context, defs []rules.ParameterDefinition) error
	SendTracking(ctx context.Context, params []rules.Parameter, faceFound bool) error
	Close() error
}

// Transformer turns frames into parameters.
type Transformer interface {
	LoadRules(path string) error
	RulesPath() string
	TransformData(frame tracking.Frame) ([]rules.Parameter, error)
	ParameterDefinitions() []rules.ParameterDefinition
	Stats() health.Snapshot
}

// StatusReporter shows a status refresh to the operator.
type StatusReporter interface {
	Report(s console.Status)
}

// KeyPoller returns pending operator key presses without blocking. Done is
// closed once no more input will arrive.
type KeyPoller interface {
	Poll() (rune, bool)
	Done() <-chan struct{}
}

// State is the lifecycle state of the pipeline.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "uninitialized"
	}
}

const (
	DefaultRequestInterval     = time.Second
	DefaultStatusInterval      = 500 * time.Millisecond
	DefaultHealthCheckInterval = 2 * time.Second
	defaultIdleDelay           = 100 * time.Millisecond
)

// Config wires the orchestrator to its collaborators. Source, Sink and
// Engine are required; everything else is optional.
type Config struct {
	RulesPath string

	Source Source
	Sink   Sink
	Engine Transformer

	Preferences *store.Preferences
	Actions     *console.Actions
	Keyboard    KeyPoller
	Reporter    StatusReporter

	// Editor opens the rule file. Defaults to starting Editor as a
	// process with the path as its only argument.
	Editor     string
	OpenEditor func(editor, path string) error

	RequestInterval     time.Duration
	StatusInterval      time.Duration
	HealthCheckInterval time.Duration
	// IdleDelay paces the loop while the source has no socket.
	IdleDelay time.Duration

	Recovery recovery.Factory
	Clock    timeutil.Clock

	// OnForward is called after every frame delivered to the sink.
	OnForward func(at time.Time, params []rules.Parameter)
	// OnHealth receives the snapshots evaluated on every health check.
	OnHealth func(snaps ...health.Snapshot)
	// OnRulesReloaded is called after the operator reloads rules.
	OnRulesReloaded func()
}

// Orchestrator is the pipeline control loop.
type Orchestrator struct {
	cfg Config

	state     atomic.Int32
	ctx       context.Context
	requested bool

	mu         sync.Mutex
	lastParams []rules.Parameter

	recoverers []*recoverer

	forwarded atomic.Int64
	dropped   atomic.Int64

	closeOnce sync.Once
}

func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Recovery == nil {
		cfg.Recovery = recovery.ExponentialFactory(recovery.DefaultConfig())
	}
	if cfg.RequestInterval <= 0 {
		cfg.RequestInterval = DefaultRequestInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.Preferences == nil {
		// Memory-only preferences never fail to load.
		cfg.Preferences, _ = store.NewPreferences(context.Background(), nil)
	}
	if cfg.Actions == nil {
		cfg.Actions = console.NewActions()
	}
	if cfg.Editor == "" {
		cfg.Editor = "vi"
	}
	if cfg.OpenEditor == nil {
		cfg.OpenEditor = startEditor
	}

	o := &Orchestrator{cfg: cfg, ctx: context.Background()}
	o.recoverers = []*recoverer{
		{name: "tracking", policy: cfg.Recovery(), init: cfg.Source.TryInitialize, stats: cfg.Source.Stats},
		{name: "avatar", policy: cfg.Recovery(), init: cfg.Sink.TryInitialize, stats: cfg.Sink.Stats, after: o.syncParameters},
	}
	return o
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Initialize loads the rules and brings up both services. Only a rules
// failure is returned; services that fail to start are left to recovery.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.State() != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if err := o.cfg.Engine.LoadRules(o.cfg.RulesPath); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	o.ctx = ctx

	if !o.cfg.Source.TryInitialize(ctx) {
		monitoring.Opsf("Warning: tracking source failed to start; will retry")
	}
	if !o.cfg.Sink.TryInitialize(ctx) {
		monitoring.Opsf("Warning: avatar app connection failed; will retry")
	} else {
		o.syncParameters(ctx)
	}

	if err := o.registerActions(); err != nil {
		return err
	}
	o.state.Store(int32(StateInitialized))
	return nil
}

// Run drives the control loop until ctx is cancelled or the tracking
// transport fails for a reason other than a connection reset. Cancellation
// returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		if o.State() == StateUninitialized {
			return ErrNotInitialized
		}
		return ErrAlreadyInitialized
	}
	defer o.Close()

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.dispatchFrames(dispatchCtx)
	}()
	defer func() {
		stopDispatch()
		wg.Wait()
	}()

	requests := timeutil.NewInterval(o.cfg.Clock, o.cfg.RequestInterval)
	statuses := timeutil.NewInterval(o.cfg.Clock, o.cfg.StatusInterval)
	checks := timeutil.NewInterval(o.cfg.Clock, o.cfg.HealthCheckInterval)

	for {
		if ctx.Err() != nil {
			monitoring.Opsf("Shutting down pipeline")
			return nil
		}
		err := o.tick(ctx, requests, statuses, checks)
		if err != nil && ctx.Err() == nil {
			monitoring.Opsf("Fatal transport error: %v", err)
			return err
		}
	}
}

// tick runs one pass of the loop. Only fatal transport errors are returned;
// anything else is logged and the loop carries on.
func (o *Orchestrator) tick(ctx context.Context, requests, statuses, checks *timeutil.Interval) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Opsf("Error in application loop: %v", r)
			err = nil
		}
	}()

	o.pollKeyboard()

	if !o.requested || requests.Due() {
		if err := o.cfg.Source.SendTrackingRequest(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case tracking.IsConnectionReset(err):
				monitoring.Diagf("Tracking request reset: %v", err)
			case errors.Is(err, tracking.ErrNotInitialized):
			default:
				return err
			}
		} else {
			o.requested = true
		}
	}

	if _, err := o.cfg.Source.ReceiveResponse(ctx); err != nil && ctx.Err() == nil {
		if !errors.Is(err, tracking.ErrNotInitialized) {
			monitoring.Opsf("Error in application loop: %v", err)
		}
		o.idle(ctx)
	}

	if statuses.Due() {
		o.reportStatus()
	}
	if checks.Due() {
		o.checkHealth(ctx)
	}
	return nil
}

func (o *Orchestrator) idle(ctx context.Context) {
	t := time.NewTimer(o.cfg.IdleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Orchestrator) pollKeyboard() {
	if o.cfg.Keyboard == nil {
		return
	}
	for {
		key, ok := o.cfg.Keyboard.Poll()
		if !ok {
			break
		}
		if !o.cfg.Actions.Dispatch(key) {
			monitoring.Diagf("No action bound to %q", key)
		}
	}

	select {
	case <-o.cfg.Keyboard.Done():
		// Keys read before the close were queued ahead of it.
		for {
			key, ok := o.cfg.Keyboard.Poll()
			if !ok {
				break
			}
			o.cfg.Actions.Dispatch(key)
		}
		monitoring.Diagf("Operator input closed; keyboard actions disabled")
		o.cfg.Keyboard = nil
	default:
	}
}

func (o *Orchestrator) dispatchFrames(ctx context.Context) {
	frames := o.cfg.Source.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			o.handleFrame(ctx, &f)
		}
	}
}

// handleFrame runs OnFrameReceived with the same panic isolation as a loop
// tick, so a faulty frame cannot stop frame dispatch.
func (o *Orchestrator) handleFrame(ctx context.Context, f *tracking.Frame) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Opsf("Error in application loop: frame handler: %v", r)
		}
	}()
	o.OnFrameReceived(ctx, f)
}

// OnFrameReceived transforms one frame and forwards it if the sink can take
// it. Nothing here is returned to the caller: a bad frame or a busy sink
// drops the frame and the next one is handled normally.
func (o *Orchestrator) OnFrameReceived(ctx context.Context, frame *tracking.Frame) {
	if frame == nil {
		return
	}
	params, err := o.cfg.Engine.TransformData(*frame)
	if err != nil {
		monitoring.Opsf("Warning: dropping frame: %v", err)
		return
	}
	if len(params) == 0 {
		return
	}

	if state := o.cfg.Sink.State(); state != vts.StateOpen {
		o.dropped.Add(1)
		monitoring.Tracef("Avatar connection %s, dropping %d parameters", state, len(params))
		return
	}
	if snap := o.cfg.Sink.Stats(); !snap.IsHealthy {
		o.dropped.Add(1)
		monitoring.Tracef("Avatar app %s, dropping %d parameters", snap.Status, len(params))
		return
	}

	if err := o.cfg.Sink.SendTracking(ctx, params, frame.FaceFound); err != nil {
		if ctx.Err() == nil {
			monitoring.Opsf("Warning: failed to forward parameters: %v", err)
		}
		return
	}

	o.forwarded.Add(1)
	o.mu.Lock()
	o.lastParams = params
	o.mu.Unlock()
	if o.cfg.OnForward != nil {
		o.cfg.OnForward(o.cfg.Clock.Now(), params)
	}
}

// Status collects the current snapshot of every service.
func (o *Orchestrator) Status() console.Status {
	o.mu.Lock()
	params := o.lastParams
	o.mu.Unlock()
	return console.Status{
		Time:       o.cfg.Clock.Now(),
		Pipeline:   o.State().String(),
		RulesPath:  o.cfg.Engine.RulesPath(),
		Tracking:   o.cfg.Source.Stats(),
		Sink:       o.cfg.Sink.Stats(),
		Engine:     o.cfg.Engine.Stats(),
		Parameters: params,
	}
}

// Counters returns the frame forwarding counters.
func (o *Orchestrator) Counters() (forwarded, dropped int64) {
	return o.forwarded.Load(), o.dropped.Load()
}

func (o *Orchestrator) reportStatus() {
	if o.cfg.Reporter != nil {
		o.cfg.Reporter.Report(o.Status())
	}
}

// ReloadRules reloads the active rule file and re-registers parameters. A
// failed reload keeps the previous rules.
func (o *Orchestrator) ReloadRules(ctx context.Context) error {
	path := o.cfg.Engine.RulesPath()
	if path == "" {
		path = o.cfg.RulesPath
	}
	if err := o.cfg.Engine.LoadRules(path); err != nil {
		monitoring.Opsf("Warning: rules reload failed, keeping previous rules: %v", err)
		return err
	}
	monitoring.Opsf("Reloaded rules from %s", path)
	if o.cfg.OnRulesReloaded != nil {
		o.cfg.OnRulesReloaded()
	}
	if o.cfg.Sink.State() == vts.StateOpen {
		o.syncParameters(ctx)
	}
	return nil
}

func (o *Orchestrator) syncParameters(ctx context.Context) {
	if err := o.cfg.Sink.SyncParameters(ctx, o.cfg.Engine.ParameterDefinitions()); err != nil {
		monitoring.Opsf("Warning: parameter sync failed: %v", err)
	}
}

// Close shuts down both services. It is safe to call more than once; only
// the first call closes anything.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.state.Store(int32(StateStopped))
		if err := o.cfg.Source.Close(); err != nil {
			monitoring.Opsf("Warning: closing tracking source: %v", err)
		}
		if err := o.cfg.Sink.Close(); err != nil {
			monitoring.Opsf("Warning: closing avatar connection: %v", err)
		}
	})
	return nil
}

// DisplaySettings converts stored preferences into console settings.
func DisplaySettings(p store.Prefs) console.Settings {
	return console.Settings{
		Tracking: console.Verbosity(p.TrackingVerbosity).Clamp(),
		Sink:     console.Verbosity(p.SinkVerbosity).Clamp(),
		Help:     p.View == store.ViewHelp,
	}
}

func startEditor(editor, path string) error {
	cmd := exec.Command(editor, path)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
