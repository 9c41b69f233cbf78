package rules

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by LoadRules when the rule file does not exist.
	ErrNotFound = errors.New("rule file not found")
	// ErrParse is returned by LoadRules when the rule file is not a JSON
	// array of rule objects.
	ErrParse = errors.New("rule file could not be parsed")
	// ErrInvalidRange is reported when a rule's min is greater than its max.
	ErrInvalidRange = errors.New("min is greater than max")
	// ErrUnresolvedVariable is reported when an expression references a
	// variable that the current frame does not provide.
	ErrUnresolvedVariable = errors.New("unresolved variable")
	// ErrEmptyExpression is reported when a rule has no expression text.
	ErrEmptyExpression = errors.New("expression is empty")
)

// CompileError describes a rule dropped at load time.
type CompileError struct {
	Rule       string
	Expression string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("rule %q: cannot compile %q: %v", e.Rule, e.Expression, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// EvaluationError aborts a TransformData call. Variable is set when the
// failure was an unresolved variable.
type EvaluationError struct {
	Rule       string
	Expression string
	Variable   string
	Err        error
}

func (e *EvaluationError) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("rule %q: %v %q in %q", e.Rule, e.Err, e.Variable, e.Expression)
	}
	return fmt.Sprintf("rule %q: evaluating %q: %v", e.Rule, e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}
