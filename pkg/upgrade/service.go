package upgrade

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

type auditAppender interface {
	Append(ctx context.Context, shard, eventType string, payload any) (*audit.Event, error)
}

// auditTxAppender is the transactional slice of the audit chain. The
// Postgres chain implements it; memory chains fall back to a plain append.
type auditTxAppender interface {
	AppendTx(ctx context.Context, tx *sql.Tx, shard, eventType string, payload any) (*audit.Event, error)
}

// Config tunes the workflow. Zero values take defaults: 3 required
// approvals, 14 day approval TTL, 48 hour ratification window, and
// super_admin/security_engineer as the break-glass roles.
type Config struct {
	ApproverPool      []string
	RequiredApprovals int
	ApprovalTTL       time.Duration
	RatifyWindow      time.Duration
	EmergencyRoles    []string
}

func (c *Config) defaults() {
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = 3
	}
	if c.ApprovalTTL <= 0 {
		c.ApprovalTTL = 14 * 24 * time.Hour
	}
	if c.RatifyWindow <= 0 {
		c.RatifyWindow = 48 * time.Hour
	}
	if len(c.EmergencyRoles) == 0 {
		c.EmergencyRoles = []string{"super_admin", "security_engineer"}
	}
}

// SideEffect executes the change an applied upgrade describes, e.g. a policy
// activation. Invoked after the upgrade reaches applied so gated transitions
// see it.
type SideEffect func(ctx context.Context, m Manifest) error

// PreconditionFunc reports whether an upgrade's preconditions hold at quorum
// time. The default accepts everything.
type PreconditionFunc func(ctx context.Context, m Manifest) error

// Service runs the multi-sig workflow.
type Service struct {
	store         Store
	verifier      crypto.Verifier
	kernel        crypto.Signer
	chain         auditAppender
	cfg           Config
	sideEffect    SideEffect
	preconditions PreconditionFunc
	logger        *slog.Logger
	now           func() time.Time
}

// NewService wires the workflow. Approver ids must match signer registry
// KIDs so approvals verify against registered keys.
func NewService(store Store, verifier crypto.Verifier, kernel crypto.Signer, chain auditAppender, cfg Config, logger *slog.Logger) *Service {
	cfg.defaults()
	return &Service{
		store:         store,
		verifier:      verifier,
		kernel:        kernel,
		chain:         chain,
		cfg:           cfg,
		preconditions: func(context.Context, Manifest) error { return nil },
		logger:        logger,
		now:           time.Now,
	}
}

// SetSideEffect installs the apply-time side effect. Set after construction
// so the policy lifecycle and this service can reference each other.
func (s *Service) SetSideEffect(f SideEffect) { s.sideEffect = f }

// SetPreconditions overrides the quorum-time precondition check.
func (s *Service) SetPreconditions(f PreconditionFunc) {
	if f != nil {
		s.preconditions = f
	}
}

// CreateRequest is the input for a new upgrade manifest.
type CreateRequest struct {
	Type          Type     `json:"type"`
	Target        Target   `json:"target"`
	Rationale     string   `json:"rationale"`
	Impact        string   `json:"impact,omitempty"`
	Preconditions []string `json:"preconditions,omitempty"`
	ProposedBy    string   `json:"proposedBy"`
}

// Create builds the content-addressed manifest and opens the approval round.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Upgrade, error) {
	switch req.Type {
	case TypePolicyActivation, TypeRollback, TypeCode:
	default:
		return Upgrade{}, fmt.Errorf("unknown upgrade type %q", req.Type)
	}
	if req.Rationale == "" {
		return Upgrade{}, fmt.Errorf("rationale required")
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	m := Manifest{
		UpgradeID:     uuid.New().String(),
		Type:          req.Type,
		Target:        req.Target,
		Rationale:     req.Rationale,
		Impact:        req.Impact,
		Preconditions: req.Preconditions,
		ProposedBy:    req.ProposedBy,
		Timestamp:     now,
	}
	hash, err := m.Hash()
	if err != nil {
		return Upgrade{}, fmt.Errorf("manifest hash: %w", err)
	}

	u := Upgrade{
		Manifest:     m,
		ManifestHash: hash,
		State:        StatePendingApproval,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.store.Create(ctx, u, s.auditHook("upgrade.created", map[string]any{
		"upgrade_id":    m.UpgradeID,
		"manifest_hash": hash,
		"type":          m.Type,
		"target":        m.Target,
		"proposed_by":   m.ProposedBy,
	}))
	if err != nil {
		return Upgrade{}, err
	}
	return u, nil
}

// ApproveRequest is one approver's submission. The signature covers the raw
// manifest hash bytes.
type ApproveRequest struct {
	ApproverID   string `json:"approverId"`
	SignatureB64 string `json:"signature"`
	Notes        string `json:"notes,omitempty"`
}

// Approve validates and records one approval. On reaching quorum a
// pending_approval upgrade moves to quorum_reached; an emergency_applied
// upgrade is ratified into applied.
func (s *Service) Approve(ctx context.Context, upgradeID string, req ApproveRequest) (Upgrade, error) {
	u, err := s.store.Get(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	if u.State != StatePendingApproval && u.State != StateEmergencyApplied {
		return Upgrade{}, fmt.Errorf("%w: cannot approve in %s", ErrWrongState, u.State)
	}
	if !s.inPool(req.ApproverID) {
		return Upgrade{}, fmt.Errorf("%w: %s", ErrNotInPool, req.ApproverID)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	if now.After(u.Manifest.Timestamp.Add(s.cfg.ApprovalTTL)) {
		return Upgrade{}, fmt.Errorf("%w: manifest from %s", ErrApprovalExpired,
			u.Manifest.Timestamp.Format(time.RFC3339))
	}

	if err := s.verifyApprovalSig(ctx, u.ManifestHash, req.SignatureB64, req.ApproverID); err != nil {
		return Upgrade{}, err
	}

	a := Approval{
		UpgradeID:    upgradeID,
		ApproverID:   req.ApproverID,
		SignatureB64: req.SignatureB64,
		Notes:        req.Notes,
		TS:           now,
	}
	err = s.store.AddApproval(ctx, a, s.auditHook("approval.submitted", map[string]any{
		"upgrade_id":  upgradeID,
		"approver_id": req.ApproverID,
	}))
	if err != nil {
		return Upgrade{}, err
	}

	approvals, err := s.store.Approvals(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	if len(approvals) >= s.cfg.RequiredApprovals {
		switch u.State {
		case StatePendingApproval:
			if err := s.preconditions(ctx, u.Manifest); err != nil {
				// Quorum counted but preconditions pending; stays open.
				s.logger.Info("quorum reached, preconditions pending",
					"upgrade", upgradeID, "reason", err)
				break
			}
			err = s.store.SetState(ctx, upgradeID, StatePendingApproval, StateQuorumReached, StateExtra{},
				s.auditHook("upgrade.quorum_reached", map[string]any{
					"upgrade_id": upgradeID,
					"approvals":  len(approvals),
				}))
			if err != nil {
				return Upgrade{}, err
			}
		case StateEmergencyApplied:
			err = s.store.SetState(ctx, upgradeID, StateEmergencyApplied, StateApplied, StateExtra{},
				s.auditHook("upgrade.ratified", map[string]any{
					"upgrade_id": upgradeID,
					"approvals":  len(approvals),
				}))
			if err != nil {
				return Upgrade{}, err
			}
		}
	}
	return s.store.Get(ctx, upgradeID)
}

// Apply verifies quorum and every approval signature, signs the applied
// bundle with the kernel key, transitions to applied, and runs the side
// effect. A signature failure rejects the upgrade with reason.
func (s *Service) Apply(ctx context.Context, upgradeID, actor string) (Upgrade, error) {
	u, err := s.store.Get(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	switch u.State {
	case StateQuorumReached:
	case StatePendingApproval:
		return Upgrade{}, fmt.Errorf("%w: need %d approvals", ErrQuorumNotReached, s.cfg.RequiredApprovals)
	default:
		return Upgrade{}, fmt.Errorf("%w: cannot apply in %s", ErrWrongState, u.State)
	}

	approvals, err := s.store.Approvals(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	if len(approvals) < s.cfg.RequiredApprovals {
		return Upgrade{}, fmt.Errorf("%w: have %d, need %d",
			ErrQuorumNotReached, len(approvals), s.cfg.RequiredApprovals)
	}
	for _, a := range approvals {
		if err := s.verifyApprovalSig(ctx, u.ManifestHash, a.SignatureB64, a.ApproverID); err != nil {
			return Upgrade{}, s.reject(ctx, u, fmt.Sprintf("approval by %s failed verification: %v", a.ApproverID, err))
		}
	}

	bundle := AppliedBundle{Manifest: u.Manifest, Approvals: approvals}
	sig, err := s.signBundle(ctx, bundle)
	if err != nil {
		return Upgrade{}, err
	}

	err = s.store.SetState(ctx, upgradeID, StateQuorumReached, StateApplied, StateExtra{
		KernelSignature: sig.SignatureB64,
		KernelKID:       sig.KID,
	}, s.auditHook("upgrade.applied", map[string]any{
		"upgrade_id":    upgradeID,
		"manifest_hash": u.ManifestHash,
		"approvals":     len(approvals),
		"kernel_kid":    sig.KID,
		"actor":         actor,
	}))
	if err != nil {
		return Upgrade{}, err
	}

	s.runSideEffect(ctx, u.Manifest)
	return s.store.Get(ctx, upgradeID)
}

// ApplyEmergency is the break-glass path: a privileged actor applies without
// quorum, opening the ratification window.
func (s *Service) ApplyEmergency(ctx context.Context, upgradeID, actor string, roles []string) (Upgrade, error) {
	if !s.privileged(roles) {
		return Upgrade{}, fmt.Errorf("%w: %s", ErrNotPrivileged, actor)
	}
	u, err := s.store.Get(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	if u.State != StatePendingApproval && u.State != StateQuorumReached {
		return Upgrade{}, fmt.Errorf("%w: cannot break-glass in %s", ErrWrongState, u.State)
	}

	approvals, err := s.store.Approvals(ctx, upgradeID)
	if err != nil {
		return Upgrade{}, err
	}
	sig, err := s.signBundle(ctx, AppliedBundle{Manifest: u.Manifest, Approvals: approvals})
	if err != nil {
		return Upgrade{}, err
	}

	deadline := s.now().UTC().Add(s.cfg.RatifyWindow).Truncate(time.Microsecond)
	err = s.store.SetState(ctx, upgradeID, u.State, StateEmergencyApplied, StateExtra{
		KernelSignature: sig.SignatureB64,
		KernelKID:       sig.KID,
		RatifyDeadline:  &deadline,
	}, s.auditHook("upgrade.emergency_applied", map[string]any{
		"upgrade_id":      upgradeID,
		"manifest_hash":   u.ManifestHash,
		"actor":           actor,
		"ratify_deadline": deadline.Format(time.RFC3339),
	}))
	if err != nil {
		return Upgrade{}, err
	}

	s.runSideEffect(ctx, u.Manifest)
	return s.store.Get(ctx, upgradeID)
}

// RatificationSweep rejects emergency applications whose window expired
// without quorum and schedules a rollback for each. Intended to run
// periodically from the server.
func (s *Service) RatificationSweep(ctx context.Context) error {
	pending, err := s.store.ListByState(ctx, StateEmergencyApplied)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, u := range pending {
		if u.RatifyDeadline == nil || now.Before(*u.RatifyDeadline) {
			continue
		}
		err := s.store.SetState(ctx, u.Manifest.UpgradeID, StateEmergencyApplied, StateRejected, StateExtra{
			RejectReason: "ratification window expired",
		}, s.auditHook("upgrade.rejected", map[string]any{
			"upgrade_id": u.Manifest.UpgradeID,
			"reason":     "ratification window expired",
		}))
		if err != nil {
			s.logger.Error("ratification sweep", "upgrade", u.Manifest.UpgradeID, "error", err)
			continue
		}

		if _, err := s.Create(ctx, CreateRequest{
			Type:       TypeRollback,
			Target:     u.Manifest.Target,
			Rationale:  fmt.Sprintf("automatic rollback of unratified emergency upgrade %s", u.Manifest.UpgradeID),
			ProposedBy: "ratification-sweep",
		}); err != nil {
			s.logger.Error("rollback scheduling", "upgrade", u.Manifest.UpgradeID, "error", err)
		}
	}
	return nil
}

// AppliedForPolicy reports whether the upgrade authorizes activating the
// given policy version. Satisfies the policy lifecycle's upgrade gate.
func (s *Service) AppliedForPolicy(ctx context.Context, upgradeID, policyID string, version int) (bool, error) {
	u, err := s.store.Get(ctx, upgradeID)
	if err != nil {
		return false, err
	}
	if u.State != StateApplied && u.State != StateEmergencyApplied {
		return false, nil
	}
	if u.Manifest.Target.PolicyID != policyID {
		return false, nil
	}
	if u.Manifest.Target.Version != 0 && u.Manifest.Target.Version != version {
		return false, nil
	}
	return true, nil
}

// Get returns one upgrade with its approvals attached count-free.
func (s *Service) Get(ctx context.Context, id string) (Upgrade, error) {
	return s.store.Get(ctx, id)
}

// Approvals returns the approvals submitted for one upgrade.
func (s *Service) Approvals(ctx context.Context, id string) ([]Approval, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Approvals(ctx, id)
}

func (s *Service) reject(ctx context.Context, u Upgrade, reason string) error {
	err := s.store.SetState(ctx, u.Manifest.UpgradeID, u.State, StateRejected, StateExtra{
		RejectReason: reason,
	}, s.auditHook("upgrade.rejected", map[string]any{
		"upgrade_id": u.Manifest.UpgradeID,
		"reason":     reason,
	}))
	if err != nil {
		return err
	}
	return fmt.Errorf("upgrade rejected: %s", reason)
}

func (s *Service) verifyApprovalSig(ctx context.Context, manifestHash, sigB64, approverKID string) error {
	raw, err := hex.DecodeString(manifestHash)
	if err != nil {
		return fmt.Errorf("manifest hash decode: %w", err)
	}
	return s.verifier.Verify(ctx, raw, sigB64, approverKID)
}

func (s *Service) signBundle(ctx context.Context, b AppliedBundle) (crypto.Signature, error) {
	hash, err := b.Hash()
	if err != nil {
		return crypto.Signature{}, fmt.Errorf("bundle hash: %w", err)
	}
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return crypto.Signature{}, fmt.Errorf("bundle hash decode: %w", err)
	}
	sig, err := s.kernel.Sign(ctx, raw)
	if err != nil {
		return crypto.Signature{}, fmt.Errorf("kernel sign: %w", err)
	}
	return sig, nil
}

func (s *Service) runSideEffect(ctx context.Context, m Manifest) {
	if s.sideEffect == nil {
		return
	}
	if err := s.sideEffect(ctx, m); err != nil {
		// The upgrade stays applied; the operator retries the target change.
		s.logger.Error("upgrade side effect failed", "upgrade", m.UpgradeID, "error", err)
	}
}

func (s *Service) inPool(approverID string) bool {
	for _, id := range s.cfg.ApproverPool {
		if id == approverID {
			return true
		}
	}
	return false
}

func (s *Service) privileged(roles []string) bool {
	for _, r := range roles {
		for _, allowed := range s.cfg.EmergencyRoles {
			if r == allowed {
				return true
			}
		}
	}
	return false
}

// auditHook builds the TxHook that appends the event on the upgrade shard
// inside the mutation's transaction, so neither can land without the other.
func (s *Service) auditHook(eventType string, payload map[string]any) TxHook {
	return func(ctx context.Context, tx *sql.Tx) error {
		if s.chain == nil {
			return nil
		}
		if tx != nil {
			if txChain, ok := s.chain.(auditTxAppender); ok {
				_, err := txChain.AppendTx(ctx, tx, audit.ShardUpgrade, eventType, payload)
				return err
			}
		}
		_, err := s.chain.Append(ctx, audit.ShardUpgrade, eventType, payload)
		return err
	}
}
