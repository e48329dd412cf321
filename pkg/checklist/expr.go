package checklist

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/hyperrealist/bluesky/pkg/signal"
)

// Evaluator compiles and caches CEL checks over signal values. Expressions
// see `signals`, a map from signal id to value, and `value`, the value of
// the first signal named.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("signals", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("value", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile %q: result type %s, want bool", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Eval reads ids and evaluates expr against their values.
func (e *Evaluator) Eval(ctx context.Context, r signal.Reader, expr string, ids ...string) (bool, map[string]float64, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, nil, err
	}

	values := make(map[string]float64, len(ids))
	var first float64
	for i, id := range ids {
		v, err := read(ctx, r, id)
		if err != nil {
			return false, nil, err
		}
		values[id] = v
		if i == 0 {
			first = v
		}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		"signals": values,
		"value":   first,
	})
	if err != nil {
		return false, values, fmt.Errorf("eval %q: %w", expr, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, values, fmt.Errorf("eval %q: result not bool", expr)
	}
	return ok, values, nil
}

var (
	defaultEvalOnce sync.Once
	defaultEval     *Evaluator
	defaultEvalErr  error
)

// AssertExpr requires the CEL expression expr to hold over the current values
// of ids, e.g. `signals["SR:CURRENT"] > 200.0 && value < 400.0`.
func AssertExpr(ctx context.Context, r signal.Reader, expr string, ids ...string) error {
	defaultEvalOnce.Do(func() { defaultEval, defaultEvalErr = NewEvaluator() })
	if defaultEvalErr != nil {
		return defaultEvalErr
	}
	return assertExpr(ctx, defaultEval, r, expr, ids)
}

func assertExpr(ctx context.Context, ev *Evaluator, r signal.Reader, expr string, ids []string) error {
	ok, values, err := ev.Eval(ctx, r, expr, ids...)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ce := &CheckError{Check: "expr", Want: expr}
	if len(ids) > 0 {
		ce.Signal = ids[0]
		ce.Value = values[ids[0]]
	}
	return ce
}
