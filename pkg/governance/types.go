// Package governance implements SentinelNet: versioned policies, the CEL rule
// evaluator, canary rollout with deterministic sampling and auto-rollback,
// and the lifecycle state machine gated by the multi-sig upgrade workflow.
package governance

import (
	"errors"
	"time"
)

// Severity orders policies for primary-decision selection and determines
// whether activation needs an applied upgrade.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the ordering weight of a severity (unknown = lowest).
func (s Severity) Rank() int { return severityRank[s] }

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// RequiresUpgrade reports whether activation of this severity is gated behind
// an applied upgrade.
func (s Severity) RequiresUpgrade() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Effect is what an applied policy match does to the request.
type Effect string

const (
	EffectAllow      Effect = "allow"
	EffectDeny       Effect = "deny"
	EffectQuarantine Effect = "quarantine"
	EffectRemediate  Effect = "remediate"
)

// Decision priority: deny > quarantine > remediate > allow.
var effectRank = map[Effect]int{
	EffectAllow:      0,
	EffectRemediate:  1,
	EffectQuarantine: 2,
	EffectDeny:       3,
}

// Rank returns the decision priority of an effect.
func (e Effect) Rank() int { return effectRank[e] }

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool {
	_, ok := effectRank[e]
	return ok
}

// State is a policy lifecycle state.
type State string

const (
	StateDraft      State = "draft"
	StateSimulating State = "simulating"
	StateCanary     State = "canary"
	StateActive     State = "active"
	StateDeprecated State = "deprecated"
)

// Metadata carries the enforcement parameters of a policy.
type Metadata struct {
	Effect        Effect `json:"effect,omitempty"`
	CanaryPercent int    `json:"canary_percent,omitempty"` // 0–100
}

// Policy is one version of a named policy. (Name, Version) is unique; new
// versions are new rows.
type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Severity  Severity  `json:"severity"`
	Rule      string    `json:"rule"` // CEL expression over the decision input
	Metadata  Metadata  `json:"metadata"`
	State     State     `json:"state"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectOrDefault returns the policy's effect, defaulting to deny when the
// metadata leaves it unspecified.
func (p Policy) EffectOrDefault() Effect {
	if p.Metadata.Effect.Valid() {
		return p.Metadata.Effect
	}
	return EffectDeny
}

// HistoryEntry records one state change of a policy.
type HistoryEntry struct {
	ID        string    `json:"id"`
	PolicyID  string    `json:"policy_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Actor     string    `json:"actor"`
	UpgradeID string    `json:"upgrade_id,omitempty"`
	TS        time.Time `json:"ts"`
}

// Actor identifies the caller of a decision.
type Actor struct {
	ID    string   `json:"id"`
	Type  string   `json:"type,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

// DecisionInput is the evaluator input for one request.
type DecisionInput struct {
	Action    string         `json:"action"`
	Actor     Actor          `json:"actor"`
	Resource  string         `json:"resource"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Decision is the outcome of EvaluateAction.
type Decision struct {
	Decision      Effect    `json:"decision"`
	Allowed       bool      `json:"allowed"`
	PolicyID      string    `json:"policyId,omitempty"`
	PolicyVersion int       `json:"policyVersion,omitempty"`
	Rationale     string    `json:"rationale,omitempty"`
	EvidenceRefs  []string  `json:"evidence_refs,omitempty"`
	TS            time.Time `json:"ts"`
}

var (
	// ErrPolicyNotFound is returned by lookups of unknown policies.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrInvalidTransition is returned for transitions outside the diagram.
	ErrInvalidTransition = errors.New("invalid policy state transition")
	// ErrUpgradeRequired is returned when a HIGH/CRITICAL activation lacks an
	// applied upgrade.
	ErrUpgradeRequired = errors.New("upgrade required")
	// ErrRuleInvalid is returned when a policy rule does not compile.
	ErrRuleInvalid = errors.New("policy rule invalid")
)
