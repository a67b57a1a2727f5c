package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/canonicalize"
)

// auditAppender is the slice of audit.Chain the engine needs. Narrowed so
// tests can stub it.
type auditAppender interface {
	Append(ctx context.Context, shard, eventType string, payload any) (*audit.Event, error)
}

// Metrics receives enforcement counters. The observability package provides
// the OTel implementation; NoopMetrics serves tests and lite mode.
type Metrics interface {
	Decision(ctx context.Context, effect Effect, canary bool)
	EvalError(ctx context.Context, policyName string)
	CanaryMatch(ctx context.Context, policyName string, enforced bool)
}

// NoopMetrics discards all counters.
type NoopMetrics struct{}

func (NoopMetrics) Decision(context.Context, Effect, bool)    {}
func (NoopMetrics) EvalError(context.Context, string)         {}
func (NoopMetrics) CanaryMatch(context.Context, string, bool) {}

// FeedbackFunc classifies a decision as a canary failure signal. The default
// treats any non-allow enforcement as a failure.
type FeedbackFunc func(d Decision) bool

func defaultFeedback(d Decision) bool { return d.Decision != EffectAllow }

// Engine is the enforcement entry point. Every guarded operation calls
// EvaluateAction before executing.
type Engine struct {
	store     Store
	evaluator *Evaluator
	chain     auditAppender
	monitor   *RollbackMonitor
	metrics   Metrics
	feedback  FeedbackFunc
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine wires the enforcement engine. monitor and metrics may be nil.
func NewEngine(store Store, evaluator *Evaluator, chain auditAppender, monitor *RollbackMonitor, metrics Metrics, logger *slog.Logger) *Engine {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		chain:     chain,
		monitor:   monitor,
		metrics:   metrics,
		feedback:  defaultFeedback,
		logger:    logger,
		now:       time.Now,
	}
}

// SetFeedback overrides the canary failure classifier.
func (e *Engine) SetFeedback(f FeedbackFunc) {
	if f != nil {
		e.feedback = f
	}
}

type matched struct {
	policy Policy
	result MatchResult
	canary bool
}

// EvaluateAction runs the input against every active policy plus the canary
// policies whose deterministic sample includes this request. The decision is
// the highest-priority effect among matches (deny > quarantine > remediate >
// allow); ties on effect resolve to the highest-severity policy. No match
// means allow. The decision is appended to the policy audit shard; an audit
// failure is logged, not propagated, so enforcement stays available.
func (e *Engine) EvaluateAction(ctx context.Context, input DecisionInput) (Decision, error) {
	if input.RequestID == "" {
		input.RequestID = uuid.New().String()
	}

	active, err := e.store.ListByState(ctx, StateActive)
	if err != nil {
		return Decision{}, fmt.Errorf("load active policies: %w", err)
	}
	canaries, err := e.store.ListByState(ctx, StateCanary)
	if err != nil {
		return Decision{}, fmt.Errorf("load canary policies: %w", err)
	}

	var matches []matched
	evaluate := func(p Policy, canary bool) {
		res, evalErr := e.evaluator.Evaluate(p, input)
		if evalErr != nil {
			// A broken rule must not take down enforcement: skip the policy
			// and count the error.
			e.metrics.EvalError(ctx, p.Name)
			e.logger.Error("policy evaluation failed",
				"policy", p.Name, "version", p.Version, "error", evalErr)
			return
		}
		if res.Match {
			matches = append(matches, matched{policy: p, result: res, canary: canary})
		}
	}

	for _, p := range active {
		evaluate(p, false)
	}
	var sampledCanaries []matched
	for _, p := range canaries {
		if !sampleCanary(input.RequestID, p.Metadata.CanaryPercent) {
			// Out-of-sample canaries are still evaluated so rollout metrics
			// see the match rate, but the result is never enforced.
			if res, evalErr := e.evaluator.Evaluate(p, input); evalErr == nil && res.Match {
				e.metrics.CanaryMatch(ctx, p.Name, false)
			}
			continue
		}
		before := len(matches)
		evaluate(p, true)
		if len(matches) > before {
			e.metrics.CanaryMatch(ctx, p.Name, true)
			sampledCanaries = append(sampledCanaries, matches[len(matches)-1])
		}
	}

	d := e.resolve(matches)
	e.metrics.Decision(ctx, d.Decision, len(sampledCanaries) > 0)

	if e.monitor != nil {
		failed := e.feedback(d)
		for _, m := range sampledCanaries {
			e.monitor.Record(ctx, m.policy, failed)
		}
	}

	e.auditDecision(ctx, input, d)
	return d, nil
}

func (e *Engine) resolve(matches []matched) Decision {
	ts := e.now().UTC().Truncate(time.Microsecond)
	if len(matches) == 0 {
		return Decision{
			Decision:  EffectAllow,
			Allowed:   true,
			Rationale: "no policy matched",
			TS:        ts,
		}
	}

	// Highest effect priority wins; within an effect the highest-severity
	// policy is the primary. Sort is stable so equal pairs keep load order.
	sort.SliceStable(matches, func(i, j int) bool {
		ei, ej := matches[i].policy.EffectOrDefault(), matches[j].policy.EffectOrDefault()
		if ei.Rank() != ej.Rank() {
			return ei.Rank() > ej.Rank()
		}
		return matches[i].policy.Severity.Rank() > matches[j].policy.Severity.Rank()
	})

	primary := matches[0]
	effect := primary.policy.EffectOrDefault()
	var evidence []string
	for _, m := range matches {
		evidence = append(evidence, m.result.Evidence...)
	}
	return Decision{
		Decision:      effect,
		Allowed:       effect == EffectAllow,
		PolicyID:      primary.policy.ID,
		PolicyVersion: primary.policy.Version,
		Rationale:     primary.result.Explanation,
		EvidenceRefs:  evidence,
		TS:            ts,
	}
}

func (e *Engine) auditDecision(ctx context.Context, input DecisionInput, d Decision) {
	payload := map[string]any{
		"request_id": input.RequestID,
		"action":     input.Action,
		"resource":   input.Resource,
		"actor_id":   input.Actor.ID,
		"decision":   d.Decision,
		"allowed":    d.Allowed,
		"ts":         d.TS.Format(time.RFC3339Nano),
	}
	if d.PolicyID != "" {
		payload["policy_id"] = d.PolicyID
		payload["policy_version"] = d.PolicyVersion
	}
	appendDecisionAudit(ctx, e.chain, e.logger, "policy.decision", payload)
}

func appendDecisionAudit(ctx context.Context, chain auditAppender, logger *slog.Logger, eventType string, payload map[string]any) {
	if chain == nil {
		return
	}
	if _, err := chain.Append(ctx, audit.ShardPolicy, eventType, payload); err != nil {
		ref, _ := canonicalize.JCSString(payload)
		logger.Error("audit append failed", "type", eventType, "payload", ref, "error", err)
	}
}
