// Package expr evaluates logic-node expressions and resolves {{ref}}
// templates against a run context.
package expr

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator provides safe expression evaluation with caching.
// Expressions are compiled once and cached for reuse.
type Evaluator struct {
	compiled map[string]*vm.Program
	mu       sync.RWMutex

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewEvaluator creates a new expression evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Compile checks that expression parses and caches the program. Variables are
// resolved at run time, so unknown identifiers are not an error here.
func (e *Evaluator) Compile(expression string) (*vm.Program, error) {
	if len(expression) > e.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", e.MaxExpressionLength)
	}

	e.mu.RLock()
	prog, ok := e.compiled[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	e.mu.Lock()
	e.compiled[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// Evaluate evaluates an expression against an environment.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	prog, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}

	switch v := result.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		return v != "", nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, result)
	}
}
