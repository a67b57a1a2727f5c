package upgrade

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

type fixture struct {
	svc       *Service
	chain     *audit.MemoryChain
	registry  *crypto.Registry
	approvers []*crypto.LocalSigner
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(b byte) []byte {
	s := make([]byte, 32)
	for i := range s {
		s[i] = b
	}
	return s
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	registry := crypto.NewRegistry()

	kernel, err := crypto.NewLocalSigner(seed(0xAA))
	require.NoError(t, err)
	require.NoError(t, registry.Register(ctx, kernel.Info()))

	var approvers []*crypto.LocalSigner
	for i := 0; i < 5; i++ {
		a, err := crypto.NewLocalSigner(seed(byte(i + 1)))
		require.NoError(t, err)
		require.NoError(t, registry.Register(ctx, a.Info()))
		approvers = append(approvers, a)
		cfg.ApproverPool = append(cfg.ApproverPool, a.KID())
	}

	chain := audit.NewMemoryChain(kernel, registry)
	svc := NewService(NewMemoryStore(), registry, kernel, chain, cfg, discard())
	return &fixture{svc: svc, chain: chain, registry: registry, approvers: approvers}
}

func (f *fixture) create(t *testing.T, target Target) Upgrade {
	t.Helper()
	u, err := f.svc.Create(context.Background(), CreateRequest{
		Type:       TypePolicyActivation,
		Target:     target,
		Rationale:  "activate critical policy",
		ProposedBy: "ops",
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) approve(t *testing.T, u Upgrade, idx int) Upgrade {
	t.Helper()
	raw, err := hex.DecodeString(u.ManifestHash)
	require.NoError(t, err)
	sig, err := f.approvers[idx].Sign(context.Background(), raw)
	require.NoError(t, err)

	after, err := f.svc.Approve(context.Background(), u.Manifest.UpgradeID, ApproveRequest{
		ApproverID:   f.approvers[idx].KID(),
		SignatureB64: sig.SignatureB64,
	})
	require.NoError(t, err)
	return after
}

func eventTypes(t *testing.T, chain *audit.MemoryChain) []string {
	t.Helper()
	events, err := chain.Events(context.Background(), audit.ShardUpgrade, 0, 100)
	require.NoError(t, err)
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestCreate_ContentAddressed(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	assert.Equal(t, StatePendingApproval, u.State)
	assert.Len(t, u.ManifestHash, 64)

	recomputed, err := u.Manifest.Hash()
	require.NoError(t, err)
	assert.Equal(t, u.ManifestHash, recomputed)

	assert.Equal(t, []string{"upgrade.created"}, eventTypes(t, f.chain))
}

type failingChain struct{}

func (failingChain) Append(context.Context, string, string, any) (*audit.Event, error) {
	return nil, assert.AnError
}

func TestCreate_AuditFailureAbortsWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.svc.chain = failingChain{}

	_, err := f.svc.Create(ctx, CreateRequest{
		Type:       TypePolicyActivation,
		Target:     Target{PolicyID: "pol-1"},
		Rationale:  "activate critical policy",
		ProposedBy: "ops",
	})
	require.Error(t, err)

	pending, err := f.svc.store.ListByState(ctx, StatePendingApproval)
	require.NoError(t, err)
	assert.Empty(t, pending, "a failed audit append must not leave the upgrade behind")
}

func TestCreate_RejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{Type: "mystery", Rationale: "x"})
	assert.Error(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{Type: TypeRollback})
	assert.Error(t, err)
}

func TestApprove_PoolAndSignatureChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	outsider, err := crypto.NewLocalSigner(seed(0xF0))
	require.NoError(t, err)
	require.NoError(t, f.registry.Register(ctx, outsider.Info()))

	raw, err := hex.DecodeString(u.ManifestHash)
	require.NoError(t, err)
	sig, err := outsider.Sign(ctx, raw)
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, u.Manifest.UpgradeID, ApproveRequest{
		ApproverID: outsider.KID(), SignatureB64: sig.SignatureB64,
	})
	assert.ErrorIs(t, err, ErrNotInPool)

	// Pool member with someone else's signature.
	_, err = f.svc.Approve(ctx, u.Manifest.UpgradeID, ApproveRequest{
		ApproverID: f.approvers[0].KID(), SignatureB64: sig.SignatureB64,
	})
	assert.ErrorIs(t, err, crypto.ErrSignatureInvalid)
}

func TestApprove_Duplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	f.approve(t, u, 0)

	raw, _ := hex.DecodeString(u.ManifestHash)
	sig, err := f.approvers[0].Sign(ctx, raw)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, u.Manifest.UpgradeID, ApproveRequest{
		ApproverID: f.approvers[0].KID(), SignatureB64: sig.SignatureB64,
	})
	assert.ErrorIs(t, err, ErrDuplicateApproval)
}

func TestApprove_TTLExpired(t *testing.T) {
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	f.svc.now = func() time.Time { return time.Now().Add(15 * 24 * time.Hour) }

	raw, _ := hex.DecodeString(u.ManifestHash)
	sig, err := f.approvers[0].Sign(context.Background(), raw)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), u.Manifest.UpgradeID, ApproveRequest{
		ApproverID: f.approvers[0].KID(), SignatureB64: sig.SignatureB64,
	})
	assert.ErrorIs(t, err, ErrApprovalExpired)
}

func TestThreeOfFive_ApplyFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-crit"})

	var applied []string
	f.svc.SetSideEffect(func(_ context.Context, m Manifest) error {
		applied = append(applied, m.Target.PolicyID)
		return nil
	})

	f.approve(t, u, 0)
	f.approve(t, u, 1)

	_, err := f.svc.Apply(ctx, u.Manifest.UpgradeID, "ops")
	assert.ErrorIs(t, err, ErrQuorumNotReached)

	after := f.approve(t, u, 2)
	assert.Equal(t, StateQuorumReached, after.State)

	done, err := f.svc.Apply(ctx, u.Manifest.UpgradeID, "ops")
	require.NoError(t, err)
	assert.Equal(t, StateApplied, done.State)
	assert.NotEmpty(t, done.KernelSignature)
	assert.NotEmpty(t, done.KernelKID)
	assert.Equal(t, []string{"pol-crit"}, applied)

	assert.Equal(t, []string{
		"upgrade.created",
		"approval.submitted",
		"approval.submitted",
		"approval.submitted",
		"upgrade.quorum_reached",
		"upgrade.applied",
	}, eventTypes(t, f.chain))

	// The chain over those events verifies end to end.
	assert.NoError(t, f.chain.VerifyRange(ctx, audit.ShardUpgrade, 0, 0))
}

func TestApply_KernelSignatureCoversBundle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})
	for i := 0; i < 3; i++ {
		f.approve(t, u, i)
	}
	done, err := f.svc.Apply(ctx, u.Manifest.UpgradeID, "ops")
	require.NoError(t, err)

	approvals, err := f.svc.Approvals(ctx, u.Manifest.UpgradeID)
	require.NoError(t, err)
	hash, err := AppliedBundle{Manifest: done.Manifest, Approvals: approvals}.Hash()
	require.NoError(t, err)
	raw, err := hex.DecodeString(hash)
	require.NoError(t, err)
	assert.NoError(t, f.registry.Verify(ctx, raw, done.KernelSignature, done.KernelKID))
}

func TestAppliedForPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1", Version: 2})
	for i := 0; i < 3; i++ {
		f.approve(t, u, i)
	}

	ok, err := f.svc.AppliedForPolicy(ctx, u.Manifest.UpgradeID, "pol-1", 2)
	require.NoError(t, err)
	assert.False(t, ok, "not applied yet")

	_, err = f.svc.Apply(ctx, u.Manifest.UpgradeID, "ops")
	require.NoError(t, err)

	ok, err = f.svc.AppliedForPolicy(ctx, u.Manifest.UpgradeID, "pol-1", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = f.svc.AppliedForPolicy(ctx, u.Manifest.UpgradeID, "pol-2", 2)
	assert.False(t, ok, "wrong policy")

	ok, _ = f.svc.AppliedForPolicy(ctx, u.Manifest.UpgradeID, "pol-1", 3)
	assert.False(t, ok, "wrong version")
}

func TestBreakGlass_RequiresPrivilege(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	_, err := f.svc.ApplyEmergency(ctx, u.Manifest.UpgradeID, "dev", []string{"developer"})
	assert.ErrorIs(t, err, ErrNotPrivileged)

	done, err := f.svc.ApplyEmergency(ctx, u.Manifest.UpgradeID, "sec", []string{"security_engineer"})
	require.NoError(t, err)
	assert.Equal(t, StateEmergencyApplied, done.State)
	require.NotNil(t, done.RatifyDeadline)
	assert.NotEmpty(t, done.KernelSignature)
}

func TestBreakGlass_RatifiedByQuorum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	u := f.create(t, Target{PolicyID: "pol-1"})

	_, err := f.svc.ApplyEmergency(ctx, u.Manifest.UpgradeID, "sec", []string{"super_admin"})
	require.NoError(t, err)

	f.approve(t, u, 0)
	f.approve(t, u, 1)
	done := f.approve(t, u, 2)
	assert.Equal(t, StateApplied, done.State)
	assert.Contains(t, eventTypes(t, f.chain), "upgrade.ratified")
}

func TestRatificationSweep_ExpiresAndSchedulesRollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{RatifyWindow: time.Hour})
	u := f.create(t, Target{PolicyID: "pol-1"})

	_, err := f.svc.ApplyEmergency(ctx, u.Manifest.UpgradeID, "sec", []string{"super_admin"})
	require.NoError(t, err)

	// Inside the window nothing happens.
	require.NoError(t, f.svc.RatificationSweep(ctx))
	mid, err := f.svc.Get(ctx, u.Manifest.UpgradeID)
	require.NoError(t, err)
	assert.Equal(t, StateEmergencyApplied, mid.State)

	f.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, f.svc.RatificationSweep(ctx))

	after, err := f.svc.Get(ctx, u.Manifest.UpgradeID)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, after.State)
	assert.Equal(t, "ratification window expired", after.RejectReason)

	rollbacks, err := f.svc.store.ListByState(ctx, StatePendingApproval)
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, TypeRollback, rollbacks[0].Manifest.Type)
	assert.Equal(t, "pol-1", rollbacks[0].Manifest.Target.PolicyID)
}
