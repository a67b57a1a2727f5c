// Package upgrade implements the N-of-M multi-sig change workflow: content
// addressed manifests, signed approval records, quorum tracking, the kernel
// signed applied bundle, and the break-glass emergency path with its
// ratification sweep.
package upgrade

import (
	"errors"
	"time"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
)

// State is an upgrade lifecycle state.
type State string

const (
	StatePendingApproval  State = "pending_approval"
	StateQuorumReached    State = "quorum_reached"
	StateApplied          State = "applied"
	StateRejected         State = "rejected"
	StateEmergencyApplied State = "emergency_applied"
)

// Type classifies what the upgrade does.
type Type string

const (
	TypePolicyActivation Type = "policy_activation"
	TypeRollback         Type = "rollback"
	TypeCode             Type = "code"
)

// Target names what the upgrade acts on. Version 0 means any version.
type Target struct {
	PolicyID string `json:"policyId"`
	Version  int    `json:"version,omitempty"`
}

// Manifest is the content-addressed description of a proposed change. The
// hash is SHA-256 over the canonical serialization of all fields.
type Manifest struct {
	UpgradeID     string    `json:"upgradeId"`
	Type          Type      `json:"type"`
	Target        Target    `json:"target"`
	Rationale     string    `json:"rationale"`
	Impact        string    `json:"impact,omitempty"`
	Preconditions []string  `json:"preconditions,omitempty"`
	ProposedBy    string    `json:"proposedBy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Hash returns the hex SHA-256 content address of the manifest.
func (m Manifest) Hash() (string, error) {
	return canonicalize.CanonicalHash(m)
}

// Approval is one approver's signed endorsement of a manifest. The signature
// covers the raw manifest hash bytes under the approver's registered key.
type Approval struct {
	UpgradeID    string    `json:"upgradeId"`
	ApproverID   string    `json:"approverId"`
	SignatureB64 string    `json:"signature"`
	Notes        string    `json:"notes,omitempty"`
	TS           time.Time `json:"ts"`
}

// Upgrade is the persisted workflow record.
type Upgrade struct {
	Manifest        Manifest   `json:"manifest"`
	ManifestHash    string     `json:"manifest_hash"`
	State           State      `json:"state"`
	KernelSignature string     `json:"kernel_signature,omitempty"`
	KernelKID       string     `json:"kernel_kid,omitempty"`
	RatifyDeadline  *time.Time `json:"ratify_deadline,omitempty"`
	RejectReason    string     `json:"reject_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// AppliedBundle is the canonical record the kernel signs on apply: the
// manifest plus every valid approval, in submission order.
type AppliedBundle struct {
	Manifest  Manifest   `json:"manifest"`
	Approvals []Approval `json:"approvals"`
}

// Hash returns the hex SHA-256 digest the kernel signature covers.
func (b AppliedBundle) Hash() (string, error) {
	return canonicalize.CanonicalHash(b)
}

var (
	// ErrUpgradeNotFound is returned by lookups of unknown upgrade ids.
	ErrUpgradeNotFound = errors.New("upgrade not found")
	// ErrNotInPool is returned when the approver is outside the pool.
	ErrNotInPool = errors.New("approver not in pool")
	// ErrDuplicateApproval is returned on a second approval by one approver.
	ErrDuplicateApproval = errors.New("duplicate approval")
	// ErrApprovalExpired is returned when the approval window has passed.
	ErrApprovalExpired = errors.New("approval window expired")
	// ErrQuorumNotReached is returned when apply is called before quorum.
	ErrQuorumNotReached = errors.New("quorum not reached")
	// ErrWrongState is returned for operations invalid in the current state.
	ErrWrongState = errors.New("upgrade in wrong state")
	// ErrNotPrivileged is returned when break-glass is attempted by an actor
	// without an emergency role.
	ErrNotPrivileged = errors.New("actor not privileged for break-glass")
)
