// Package policy evaluates the verification session pass policy, a CEL
// expression over the session's challenge tally.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/helm/autonomy/pkg/contracts"
)

const (
	// MinPassRatio is the passed/(passed+failed) ratio a session must exceed.
	MinPassRatio = 0.8
	// MinUptime is the answered/total ratio a session must reach.
	MinUptime = 0.6
)

// DefaultSessionPolicy is used when no expression is configured.
var DefaultSessionPolicy = fmt.Sprintf("pass_ratio > %.2f && uptime >= %.2f", MinPassRatio, MinUptime)

// Input is the activation of a session policy.
type Input struct {
	Passed    int64   `json:"passed"`
	Failed    int64   `json:"failed"`
	Skipped   int64   `json:"skipped"`
	Total     int64   `json:"total"`
	PassRatio float64 `json:"pass_ratio"`
	Uptime    float64 `json:"uptime"`
}

// InputFromTally derives the policy activation from a session tally.
func InputFromTally(t contracts.Tally) Input {
	in := Input{
		Passed:  int64(t.Passed),
		Failed:  int64(t.Failed),
		Skipped: int64(t.Skipped),
		Total:   int64(t.Total),
	}
	if answered := t.Answered(); answered > 0 {
		in.PassRatio = float64(t.Passed) / float64(answered)
	}
	if t.Total > 0 {
		in.Uptime = float64(t.Answered()) / float64(t.Total)
	}
	return in
}

func (in Input) activation() map[string]interface{} {
	return map[string]interface{}{
		"passed":     in.Passed,
		"failed":     in.Failed,
		"skipped":    in.Skipped,
		"total":      in.Total,
		"pass_ratio": in.PassRatio,
		"uptime":     in.Uptime,
	}
}

// Evaluator compiles and caches CEL session policies.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("passed", cel.IntType),
		cel.Variable("failed", cel.IntType),
		cel.Variable("skipped", cel.IntType),
		cel.Variable("total", cel.IntType),
		cel.Variable("pass_ratio", cel.DoubleType),
		cel.Variable("uptime", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks an expression and caches its program. It is used at
// startup so that a bad configured policy fails fast.
func (e *Evaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

func (e *Evaluator) program(expression string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expression]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expression]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("policy must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	e.prgCache[expression] = prg
	return prg, nil
}

// Evaluate runs expression (or the default policy when empty) against in.
func (e *Evaluator) Evaluate(expression string, in Input) (bool, error) {
	if expression == "" {
		expression = DefaultSessionPolicy
	}
	prg, err := e.program(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	passed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not boolean")
	}
	return passed, nil
}
