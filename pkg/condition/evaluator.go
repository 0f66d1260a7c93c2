// Package condition evaluates instrument conditions and expressions against
// execution-context snapshots, and throttles hits per instrument.
package condition

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// DefaultMaxSteps bounds the work a single expression may do.
const DefaultMaxSteps = 100_000

// Snapshot is the execution context captured at a hit.
type Snapshot struct {
	Locals map[string]any
	This   map[string]any
	Thread string
	Frames []instrument.StackFrame
}

// fileOptions disables statement-level features; expressions never need them.
var fileOptions = &syntax.FileOptions{}

// Expr is a syntax-checked expression. Resolution mutates the syntax tree,
// so each evaluation parses a fresh copy of the source.
type Expr struct {
	src string
}

// String returns the source text.
func (x *Expr) String() string {
	return x.src
}

// Evaluator compiles and evaluates Starlark expressions.
type Evaluator struct {
	maxSteps uint64
}

// NewEvaluator creates an evaluator; maxSteps of zero uses DefaultMaxSteps.
func NewEvaluator(maxSteps uint64) *Evaluator {
	if maxSteps == 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Evaluator{maxSteps: maxSteps}
}

// Compile checks the syntax of src. Names are resolved at evaluation time
// against the snapshot.
func (e *Evaluator) Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if _, err := fileOptions.ParseExpr("expr", src, 0); err != nil {
		return nil, fmt.Errorf("failed to parse expression %q: %w", src, err)
	}
	return &Expr{src: src}, nil
}

// Eval evaluates x against snap and converts the result to a Go value.
func (e *Evaluator) Eval(x *Expr, snap *Snapshot) (any, error) {
	v, err := e.evalValue(x, snap)
	if err != nil {
		return nil, err
	}
	return fromStarlarkValue(v)
}

// Test evaluates a boolean condition.
func (e *Evaluator) Test(x *Expr, snap *Snapshot) (bool, error) {
	v, err := e.evalValue(x, snap)
	if err != nil {
		return false, err
	}
	b, ok := v.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %s, want bool", x.src, v.Type())
	}
	return bool(b), nil
}

// Number evaluates a numeric expression.
func (e *Evaluator) Number(x *Expr, snap *Snapshot) (float64, error) {
	v, err := e.evalValue(x, snap)
	if err != nil {
		return 0, err
	}
	f, ok := starlark.AsFloat(v)
	if !ok {
		return 0, fmt.Errorf("expression %q evaluated to %s, want number", x.src, v.Type())
	}
	return f, nil
}

func (e *Evaluator) evalValue(x *Expr, snap *Snapshot) (starlark.Value, error) {
	thread := &starlark.Thread{
		Name:  "condition",
		Print: func(_ *starlark.Thread, _ string) {},
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	env, err := environment(snap)
	if err != nil {
		return nil, err
	}

	v, err := starlark.EvalOptions(fileOptions, thread, "expr", x.src, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %q: %w", x.src, err)
	}
	return v, nil
}

// environment exposes locals by name, the receiver as "this" and the thread name.
func environment(snap *Snapshot) (starlark.StringDict, error) {
	env := starlark.StringDict{}
	if snap == nil {
		return env, nil
	}

	for name, val := range snap.Locals {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert local %s: %w", name, err)
		}
		env[name] = sv
	}

	if snap.This != nil {
		fields := make(starlark.StringDict, len(snap.This))
		for name, val := range snap.This {
			sv, err := toStarlarkValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to convert field this.%s: %w", name, err)
			}
			fields[name] = sv
		}
		env["this"] = starlarkstruct.FromStringDict(starlarkstruct.Default, fields)
	}

	if snap.Thread != "" {
		env["thread"] = starlark.String(snap.Thread)
	}
	return env, nil
}
