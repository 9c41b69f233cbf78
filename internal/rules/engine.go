// Package rules compiles user-authored transformation rules and evaluates
// them against tracking frames to produce avatar parameters.
package rules

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/facebridge/internal/health"
	"github.com/banshee-data/facebridge/internal/monitoring"
	"github.com/banshee-data/facebridge/internal/timeutil"
	"github.com/banshee-data/facebridge/internal/tracking"
)

// ServiceName identifies the engine in health snapshots.
const ServiceName = "TransformationEngine"

type compiledRule struct {
	Rule
	expr Expression
}

// ruleSet is immutable once published.
type ruleSet struct {
	path     string
	rules    []compiledRule
	invalid  int
	loadedAt time.Time
}

// EngineConfig configures an Engine. Zero values select defaults.
type EngineConfig struct {
	Compiler Compiler
	Clock    timeutil.Clock
}

// Engine owns the active rule set. LoadRules swaps the whole set
// atomically; TransformData captures the set once per call so a reload in
// the middle of an evaluation never mixes rules from two files.
type Engine struct {
	compile Compiler
	clock   timeutil.Clock
	active  atomic.Pointer[ruleSet]

	transforms atomic.Int64
	evalErrors atomic.Int64
	loads      atomic.Int64

	mu          sync.Mutex
	lastError   error
	lastSuccess time.Time
}

// NewEngine returns an Engine with no rules loaded.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Compiler == nil {
		cfg.Compiler = Compile
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Engine{compile: cfg.Compiler, clock: cfg.Clock}
}

// LoadRules reads path, compiles every rule and publishes the result as the
// active set. Rules that fail to compile, or that reuse an earlier rule's
// name, are logged and skipped. The previous set stays active when the file
// is missing or malformed.
func (e *Engine) LoadRules(path string) error {
	defs, skipped, err := ReadRuleFile(path)
	if err != nil {
		e.recordError(err)
		return err
	}

	set := &ruleSet{path: path, loadedAt: e.clock.Now(), invalid: len(skipped)}
	for _, s := range skipped {
		monitoring.Opsf("Warning: skipping malformed %v", s)
	}
	names := make(map[string]bool, len(defs))
	for i, def := range defs {
		if def.Name == "" {
			set.invalid++
			monitoring.Opsf("Warning: rule #%d has no name; skipping", i+1)
			continue
		}
		if names[def.Name] {
			set.invalid++
			monitoring.Opsf("Warning: duplicate rule name %q; keeping the first definition", def.Name)
			continue
		}
		compiled, err := e.compile(def.Expression)
		if err != nil {
			set.invalid++
			monitoring.Opsf("Warning: %v", &CompileError{Rule: def.Name, Expression: def.Expression, Err: err})
			continue
		}
		names[def.Name] = true
		set.rules = append(set.rules, compiledRule{Rule: def, expr: compiled})
	}

	e.active.Store(set)
	e.loads.Add(1)
	e.recordSuccess()
	monitoring.Diagf("Loaded %d rules from %s (%d skipped)", len(set.rules), path, set.invalid)
	return nil
}

// RulesPath returns the path of the active rule set, or "" if none loaded.
func (e *Engine) RulesPath() string {
	if set := e.active.Load(); set != nil {
		return set.path
	}
	return ""
}

// TransformData evaluates every active rule against frame, in rule order.
// It returns no parameters when no rules are loaded or no face was found.
// The first failing rule aborts the whole call; no partial result is
// returned.
func (e *Engine) TransformData(frame tracking.Frame) ([]Parameter, error) {
	set := e.active.Load()
	if set == nil || len(set.rules) == 0 || !frame.FaceFound {
		return nil, nil
	}

	ctx := NewContext(frame)
	params := make([]Parameter, 0, len(set.rules))
	for _, r := range set.rules {
		raw, err := r.expr.Evaluate(ctx)
		if err == nil {
			var v float64
			v, err = Clamp(raw, r.Min, r.Max)
			if err == nil {
				params = append(params, Parameter{ID: r.Name, Value: v})
				continue
			}
		}
		evalErr := asEvaluationError(r.Rule, err)
		e.evalErrors.Add(1)
		e.recordError(evalErr)
		return nil, evalErr
	}

	e.transforms.Add(1)
	e.recordSuccess()
	return params, nil
}

// ParameterDefinitions returns the output ranges of every active rule.
func (e *Engine) ParameterDefinitions() []ParameterDefinition {
	set := e.active.Load()
	if set == nil {
		return nil
	}
	out := make([]ParameterDefinition, 0, len(set.rules))
	for _, r := range set.rules {
		out = append(out, r.Definition())
	}
	return out
}

// Stats reports the engine's health. The engine is unhealthy until a rule
// set has loaded and degraded when rules were skipped or the last frame
// failed to evaluate.
func (e *Engine) Stats() health.Snapshot {
	set := e.active.Load()

	e.mu.Lock()
	lastErr, lastSuccess := e.lastError, e.lastSuccess
	e.mu.Unlock()

	counters := map[string]int64{
		"transforms":        e.transforms.Load(),
		"evaluation_errors": e.evalErrors.Load(),
		"loads":             e.loads.Load(),
	}

	status := health.StatusNotInitialized
	if set != nil {
		counters["valid_rules"] = int64(len(set.rules))
		counters["invalid_rules"] = int64(set.invalid)
		status = health.StatusHealthy
		if set.invalid > 0 || lastErr != nil {
			status = health.StatusDegraded
		}
	}
	return health.New(ServiceName, status, lastSuccess, lastErr, counters)
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = err
}

func (e *Engine) recordSuccess() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastError = nil
	e.lastSuccess = e.clock.Now()
}

func asEvaluationError(r Rule, err error) *EvaluationError {
	var ee *EvaluationError
	if errors.As(err, &ee) {
		out := *ee
		out.Rule = r.Name
		out.Expression = r.Expression
		return &out
	}
	return &EvaluationError{Rule: r.Name, Expression: r.Expression, Err: err}
}

// Clamp limits v to [min, max] inclusive.
func Clamp(v, min, max float64) (float64, error) {
	if min > max {
		return 0, fmt.Errorf("%w (min=%g, max=%g)", ErrInvalidRange, min, max)
	}
	if v < min {
		return min, nil
	}
	if v > max {
		return max, nil
	}
	return v, nil
}
