package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/vm"
)

// Context maps variable names to values for one frame.
type Context map[string]float64

// Expression is a compiled rule expression.
type Expression interface {
	// Evaluate computes the expression against ctx. Every variable the
	// expression references must be present in ctx.
	Evaluate(ctx Context) (float64, error)
	// Variables lists the variables the expression references, in order of
	// first appearance.
	Variables() []string
	String() string
}

// Compiler turns expression text into an Expression.
type Compiler func(source string) (Expression, error)

type exprExpression struct {
	source    string
	program   *vm.Program
	variables []string
}

// Compile compiles source with the expr language plus the math helpers in
// mathFunctions. The % operator is floating-point modulo.
func Compile(source string) (Expression, error) {
	if strings.TrimSpace(source) == "" {
		return nil, ErrEmptyExpression
	}

	program, err := expr.Compile(source, compileOptions...)
	if err != nil {
		return nil, err
	}

	return &exprExpression{
		source:    source,
		program:   program,
		variables: collectVariables(program.Node()),
	}, nil
}

var compileOptions = newCompileOptions()

func newCompileOptions() []expr.Option {
	opts := make([]expr.Option, 0, len(mathFunctions)+2)
	for name, fn := range mathFunctions {
		opts = append(opts, expr.Function(name, fn))
	}
	opts = append(opts,
		expr.Function(modFunction, binary(math.Mod)),
		expr.Patch(modPatcher{}),
	)
	return opts
}

// modFunction backs the % operator. expr only defines % for integers and
// every frame value is a float64.
const modFunction = "Mod"

// modPatcher rewrites a % b into Mod(a, b).
type modPatcher struct{}

func (modPatcher) Visit(node *ast.Node) {
	n, ok := (*node).(*ast.BinaryNode)
	if !ok || n.Operator != "%" {
		return
	}
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: modFunction},
		Arguments: []ast.Node{n.Left, n.Right},
	})
}

func (e *exprExpression) Evaluate(ctx Context) (float64, error) {
	env := make(map[string]any, len(e.variables))
	for _, name := range e.variables {
		v, ok := ctx[name]
		if !ok {
			return 0, &EvaluationError{Expression: e.source, Variable: name, Err: ErrUnresolvedVariable}
		}
		env[name] = v
	}

	out, err := expr.Run(e.program, env)
	if err != nil {
		return 0, err
	}
	f, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) {
		return 0, fmt.Errorf("result is not a number")
	}
	return f, nil
}

func (e *exprExpression) Variables() []string {
	return e.variables
}

func (e *exprExpression) String() string {
	return e.source
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression produced %T, want a number", v)
	}
}

// variableCollector gathers identifiers that are not function callees.
type variableCollector struct {
	seen    map[string]bool
	order   []string
	callees map[string]bool
}

func (c *variableCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[id.Value] = true
		}
	case *ast.IdentifierNode:
		if !c.seen[n.Value] {
			c.seen[n.Value] = true
			c.order = append(c.order, n.Value)
		}
	}
}

func collectVariables(root ast.Node) []string {
	c := &variableCollector{seen: map[string]bool{}, callees: map[string]bool{}}
	ast.Walk(&root, c)

	vars := make([]string, 0, len(c.order))
	for _, name := range c.order {
		if c.callees[name] {
			continue
		}
		if _, isFunc := mathFunctions[name]; isFunc || name == modFunction {
			continue
		}
		vars = append(vars, name)
	}
	return vars
}

// mathFunctions are the capitalised helpers available to rule authors in
// addition to the expr language builtins.
var mathFunctions = map[string]func(params ...any) (any, error){
	"Abs":      unary(math.Abs),
	"Acos":     unary(math.Acos),
	"Asin":     unary(math.Asin),
	"Atan":     unary(math.Atan),
	"Ceiling":  unary(math.Ceil),
	"Cos":      unary(math.Cos),
	"Exp":      unary(math.Exp),
	"Floor":    unary(math.Floor),
	"Log10":    unary(math.Log10),
	"Sign":     unary(sign),
	"Sin":      unary(math.Sin),
	"Sqrt":     unary(math.Sqrt),
	"Tan":      unary(math.Tan),
	"Truncate": unary(math.Trunc),
	"Atan2":    binary(math.Atan2),
	"Pow":      binary(math.Pow),
	"Max":      binary(math.Max),
	"Min":      binary(math.Min),
	"Log":      binary(func(a, base float64) float64 { return math.Log(a) / math.Log(base) }),
	"Round":    round,
	"Clamp":    clamp,
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

func floatArgs(want int, params []any) ([]float64, error) {
	if len(params) != want {
		return nil, fmt.Errorf("expected %d arguments, got %d", want, len(params))
	}
	out := make([]float64, len(params))
	for i, p := range params {
		f, err := toFloat(p)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = f
	}
	return out, nil
}

func unary(fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		args, err := floatArgs(1, params)
		if err != nil {
			return nil, err
		}
		return fn(args[0]), nil
	}
}

func binary(fn func(a, b float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		args, err := floatArgs(2, params)
		if err != nil {
			return nil, err
		}
		return fn(args[0], args[1]), nil
	}
}

// round accepts an optional number of decimal places.
func round(params ...any) (any, error) {
	if len(params) == 1 {
		args, err := floatArgs(1, params)
		if err != nil {
			return nil, err
		}
		return math.RoundToEven(args[0]), nil
	}
	args, err := floatArgs(2, params)
	if err != nil {
		return nil, err
	}
	scale := math.Pow(10, math.Trunc(args[1]))
	return math.RoundToEven(args[0]*scale) / scale, nil
}

func clamp(params ...any) (any, error) {
	args, err := floatArgs(3, params)
	if err != nil {
		return nil, err
	}
	return Clamp(args[0], args[1], args[2])
}
