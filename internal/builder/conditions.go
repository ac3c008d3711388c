package builder

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Conditions evaluates `when:` expressions over template parameters.
// Expressions are compiled once and cached for reuse.
type Conditions struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program

	// MaxExpressionLength limits expression size (default: 4096)
	MaxExpressionLength int
}

// NewConditions creates a new condition evaluator.
func NewConditions() *Conditions {
	return &Conditions{
		compiled:            make(map[string]*vm.Program),
		MaxExpressionLength: 4096,
	}
}

// Compile checks that expression is well formed without evaluating it.
func (c *Conditions) Compile(expression string) error {
	_, err := c.program(expression)
	return err
}

func (c *Conditions) program(expression string) (*vm.Program, error) {
	if len(expression) > c.MaxExpressionLength {
		return nil, fmt.Errorf("expression exceeds maximum length of %d characters", c.MaxExpressionLength)
	}

	c.mu.RLock()
	prog, ok := c.compiled[expression]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	// Parameters vary per run, so programs are compiled without an
	// environment; unknown names evaluate to nil.
	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", expression, err)
	}

	c.mu.Lock()
	c.compiled[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// Eval evaluates expression against params. The parameter bag is also
// available as `params`.
func (c *Conditions) Eval(expression string, params map[string]any) (bool, error) {
	prog, err := c.program(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(params)+1)
	for k, v := range params {
		env[k] = v
	}
	if _, ok := env["params"]; !ok {
		env["params"] = params
	}

	result, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate expression %q: %w", expression, err)
	}
	return truthy(expression, result)
}

func truthy(expression string, v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case float64:
		return val != 0, nil
	case string:
		return val != "", nil
	case []any:
		return len(val) > 0, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("expression %q returned %T, expected bool", expression, v)
	}
}
