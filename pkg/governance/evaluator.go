package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// MatchResult is the outcome of evaluating one policy rule.
type MatchResult struct {
	Match       bool
	Explanation string
	Evidence    []string
}

// Evaluator compiles and evaluates CEL policy rules against decision inputs.
// Compiled programs are cached per rule expression.
type Evaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewEvaluator builds the CEL environment exposed to policy rules: the
// request's action and resource as strings, the actor and context as maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
		cel.Variable("actor", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &Evaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Compile checks that a rule parses and type-checks without evaluating it.
// Used at policy create/update time so bad rules never reach the hot path.
func (e *Evaluator) Compile(rule string) error {
	_, err := e.program(rule)
	return err
}

// Evaluate runs a policy rule against the input. A non-bool result is an
// error: rules must evaluate to a boolean match.
func (e *Evaluator) Evaluate(p Policy, input DecisionInput) (MatchResult, error) {
	prg, err := e.program(p.Rule)
	if err != nil {
		return MatchResult{}, err
	}

	actorMap := map[string]any{
		"id":    input.Actor.ID,
		"type":  input.Actor.Type,
		"roles": input.Actor.Roles,
	}
	ctxMap := input.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}

	out, _, err := prg.Eval(map[string]any{
		"action":   input.Action,
		"resource": input.Resource,
		"actor":    actorMap,
		"context":  ctxMap,
	})
	if err != nil {
		return MatchResult{}, fmt.Errorf("policy %s v%d eval: %w", p.Name, p.Version, err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return MatchResult{}, fmt.Errorf("policy %s v%d: rule result is not bool", p.Name, p.Version)
	}

	res := MatchResult{Match: match}
	if match {
		res.Explanation = fmt.Sprintf("rule matched: %s", p.Rule)
		res.Evidence = []string{fmt.Sprintf("policy:%s@v%d", p.Name, p.Version)}
	}
	return res, nil
}

func (e *Evaluator) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[rule]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[rule]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleInvalid, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleInvalid, err)
	}
	e.cache[rule] = prg
	return prg, nil
}
