package governance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/audit"
)

// auditTxAppender is the transactional slice of the audit chain. The
// Postgres chain implements it; memory chains fall back to a plain append.
type auditTxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, shard, eventType string, payload any) (*audit.Event, error)
}

// appendPolicyAudit writes a policy shard event inside tx when the chain
// supports it, so the event commits or rolls back with the mutation.
func appendPolicyAudit(ctx context.Context, tx *sql.Tx, chain auditAppender, eventType string, payload map[string]any) error {
	if chain == nil {
		return nil
	}
	if tx != nil {
		if txChain, ok := chain.(auditTxAppender); ok {
			_, err := txChain.AppendTx(ctx, tx, audit.ShardPolicy, eventType, payload)
			return err
		}
	}
	_, err := chain.Append(ctx, audit.ShardPolicy, eventType, payload)
	return err
}

// UpgradeChecker answers whether an applied upgrade authorizes activating a
// policy. Implemented by the upgrade service; an interface here keeps the
// dependency one-way.
type UpgradeChecker interface {
	AppliedForPolicy(ctx context.Context, upgradeID, policyID string, version int) (bool, error)
}

// Valid lifecycle transitions. canary -> draft is the rollback edge;
// deprecated -> draft restarts a retired policy through the full pipeline.
var transitions = map[State][]State{
	StateDraft:      {StateSimulating},
	StateSimulating: {StateCanary, StateDraft},
	StateCanary:     {StateActive, StateDraft},
	StateActive:     {StateDeprecated},
	StateDeprecated: {StateDraft},
}

func transitionAllowed(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Lifecycle manages policy creation, versioning, and state transitions.
type Lifecycle struct {
	store     Store
	evaluator *Evaluator
	chain     auditAppender
	upgrades  UpgradeChecker
	logger    *slog.Logger
	now       func() time.Time
}

// NewLifecycle wires the lifecycle manager. upgrades may be nil, in which
// case HIGH/CRITICAL activations always fail with ErrUpgradeRequired.
func NewLifecycle(store Store, evaluator *Evaluator, chain auditAppender, upgrades UpgradeChecker, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:     store,
		evaluator: evaluator,
		chain:     chain,
		upgrades:  upgrades,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest is the input for a new policy version.
type CreateRequest struct {
	Name      string   `json:"name"`
	Severity  Severity `json:"severity"`
	Rule      string   `json:"rule"`
	Metadata  Metadata `json:"metadata"`
	CreatedBy string   `json:"created_by"`
}

// Create registers a new policy version in draft. The rule must compile and
// the severity and effect must be known; the store assigns the next version
// for the name.
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (Policy, error) {
	if req.Name == "" {
		return Policy{}, fmt.Errorf("policy name required")
	}
	if !req.Severity.Valid() {
		return Policy{}, fmt.Errorf("unknown severity %q", req.Severity)
	}
	if req.Metadata.Effect != "" && !req.Metadata.Effect.Valid() {
		return Policy{}, fmt.Errorf("unknown effect %q", req.Metadata.Effect)
	}
	if req.Metadata.CanaryPercent < 0 || req.Metadata.CanaryPercent > 100 {
		return Policy{}, fmt.Errorf("canary_percent out of range: %d", req.Metadata.CanaryPercent)
	}
	if err := l.evaluator.Compile(req.Rule); err != nil {
		return Policy{}, err
	}

	now := l.now().UTC().Truncate(time.Microsecond)
	p := Policy{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Severity:  req.Severity,
		Rule:      req.Rule,
		Metadata:  req.Metadata,
		State:     StateDraft,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := l.store.Create(ctx, p, func(ctx context.Context, tx *sql.Tx, created Policy) error {
		return appendPolicyAudit(ctx, tx, l.chain, "policy.created", map[string]any{
			"policy_id": created.ID,
			"policy":    created.Name,
			"version":   created.Version,
			"severity":  created.Severity,
			"actor":     req.CreatedBy,
		})
	})
	if err != nil {
		return Policy{}, err
	}
	return created, nil
}

// TransitionRequest moves a policy to a new state. upgradeID is required
// only when activating HIGH/CRITICAL policies.
type TransitionRequest struct {
	PolicyID  string `json:"policy_id"`
	To        State  `json:"to"`
	Actor     string `json:"actor"`
	UpgradeID string `json:"upgrade_id,omitempty"`
}

// Transition applies one edge of the state machine. Activation of a HIGH or
// CRITICAL policy requires an upgrade in state applied that references the
// policy; the store enforces the from-state optimistically so concurrent
// transitions cannot skip edges.
func (l *Lifecycle) Transition(ctx context.Context, req TransitionRequest) (Policy, error) {
	p, err := l.store.Get(ctx, req.PolicyID)
	if err != nil {
		return Policy{}, err
	}
	if !transitionAllowed(p.State, req.To) {
		return Policy{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.State, req.To)
	}

	if req.To == StateActive && p.Severity.RequiresUpgrade() {
		if err := l.checkUpgrade(ctx, req.UpgradeID, p.ID, p.Version); err != nil {
			return Policy{}, err
		}
	}

	payload := map[string]any{
		"policy_id": p.ID,
		"policy":    p.Name,
		"version":   p.Version,
		"from":      p.State,
		"to":        req.To,
		"actor":     req.Actor,
	}
	if req.UpgradeID != "" {
		payload["upgrade_id"] = req.UpgradeID
	}
	err = l.store.Transition(ctx, p.ID, p.State, req.To, req.Actor, req.UpgradeID,
		func(ctx context.Context, tx *sql.Tx) error {
			return appendPolicyAudit(ctx, tx, l.chain, "policy.transition", payload)
		})
	if err != nil {
		return Policy{}, err
	}

	return l.store.Get(ctx, p.ID)
}

func (l *Lifecycle) checkUpgrade(ctx context.Context, upgradeID, policyID string, version int) error {
	if upgradeID == "" {
		return fmt.Errorf("%w: activation of high/critical policy needs an applied upgrade", ErrUpgradeRequired)
	}
	if l.upgrades == nil {
		return fmt.Errorf("%w: no upgrade service configured", ErrUpgradeRequired)
	}
	ok, err := l.upgrades.AppliedForPolicy(ctx, upgradeID, policyID, version)
	if err != nil {
		return fmt.Errorf("upgrade check: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: upgrade %s is not applied for this policy", ErrUpgradeRequired, upgradeID)
	}
	return nil
}

// Get returns one policy by id.
func (l *Lifecycle) Get(ctx context.Context, id string) (Policy, error) {
	return l.store.Get(ctx, id)
}

// List returns all policy versions, newest first.
func (l *Lifecycle) List(ctx context.Context) ([]Policy, error) {
	return l.store.List(ctx)
}

// History returns the state-change trail of one policy.
func (l *Lifecycle) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	if _, err := l.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return l.store.History(ctx, id)
}
