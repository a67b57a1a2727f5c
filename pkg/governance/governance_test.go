package governance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newChain(t *testing.T) *audit.MemoryChain {
	t.Helper()
	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	registry := crypto.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), signer.Info()))
	return audit.NewMemoryChain(signer, registry)
}

func newLifecycle(t *testing.T, store Store, upgrades UpgradeChecker) *Lifecycle {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	return NewLifecycle(store, ev, newChain(t), upgrades, discard())
}

func createPolicy(t *testing.T, l *Lifecycle, name string, sev Severity, rule string, md Metadata) Policy {
	t.Helper()
	p, err := l.Create(context.Background(), CreateRequest{
		Name: name, Severity: sev, Rule: rule, Metadata: md, CreatedBy: "tester",
	})
	require.NoError(t, err)
	return p
}

func advance(t *testing.T, l *Lifecycle, id string, states ...State) Policy {
	t.Helper()
	var p Policy
	var err error
	for _, to := range states {
		p, err = l.Transition(context.Background(), TransitionRequest{
			PolicyID: id, To: to, Actor: "tester",
		})
		require.NoError(t, err)
	}
	return p
}

func TestEvaluator_MatchAndMiss(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	p := Policy{Name: "block-deletes", Version: 1, Rule: `action == "delete" && resource.startsWith("ledger/")`}

	res, err := ev.Evaluate(p, DecisionInput{Action: "delete", Resource: "ledger/journal"})
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Contains(t, res.Evidence[0], "block-deletes@v1")

	res, err = ev.Evaluate(p, DecisionInput{Action: "read", Resource: "ledger/journal"})
	require.NoError(t, err)
	assert.False(t, res.Match)
}

func TestEvaluator_ActorAndContext(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)

	p := Policy{Name: "admin-only", Version: 1,
		Rule: `"admin" in actor.roles && context.amount_cents > 100000`}

	res, err := ev.Evaluate(p, DecisionInput{
		Action:  "post",
		Actor:   Actor{ID: "u1", Roles: []string{"admin"}},
		Context: map[string]any{"amount_cents": 200000},
	})
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestEvaluator_BadRule(t *testing.T) {
	ev, err := NewEvaluator()
	require.NoError(t, err)
	assert.ErrorIs(t, ev.Compile(`action ==`), ErrRuleInvalid)
	assert.ErrorIs(t, ev.Compile(`nonexistent.field`), ErrRuleInvalid)
}

func TestSampleCanary_Deterministic(t *testing.T) {
	id := uuid.New().String()
	first := sampleCanary(id, 30)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, sampleCanary(id, 30))
	}
	assert.False(t, sampleCanary(id, 0))
	assert.True(t, sampleCanary(id, 100))
}

func TestSampleCanary_RoughProportion(t *testing.T) {
	hits := 0
	for i := 0; i < 2000; i++ {
		if sampleCanary(uuid.New().String(), 25) {
			hits++
		}
	}
	// 25% +- generous slack.
	assert.Greater(t, hits, 350)
	assert.Less(t, hits, 650)
}

func TestLifecycle_CreateAssignsVersions(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	p1 := createPolicy(t, l, "rate-cap", SeverityLow, `action == "post"`, Metadata{})
	p2 := createPolicy(t, l, "rate-cap", SeverityLow, `action == "post"`, Metadata{})

	assert.Equal(t, 1, p1.Version)
	assert.Equal(t, 2, p2.Version)
	assert.Equal(t, StateDraft, p1.State)
}

type failingChain struct{}

func (failingChain) Append(context.Context, string, string, any) (*audit.Event, error) {
	return nil, assert.AnError
}

func TestLifecycle_AuditFailureAbortsCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)
	l.chain = failingChain{}

	_, err := l.Create(ctx, CreateRequest{
		Name: "rate-cap", Severity: SeverityLow, Rule: `true`, CreatedBy: "tester",
	})
	require.Error(t, err)

	policies, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, policies, "a failed audit append must not leave the policy behind")
}

func TestLifecycle_AuditFailureAbortsTransition(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)
	p := createPolicy(t, l, "rate-cap", SeverityLow, `true`, Metadata{})

	l.chain = failingChain{}
	_, err := l.Transition(ctx, TransitionRequest{PolicyID: p.ID, To: StateSimulating, Actor: "tester"})
	require.Error(t, err)

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, got.State)
}

func TestLifecycle_CreateRejectsBadInput(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	ctx := context.Background()

	_, err := l.Create(ctx, CreateRequest{Name: "x", Severity: "EXTREME", Rule: `true`})
	assert.Error(t, err)

	_, err = l.Create(ctx, CreateRequest{Name: "x", Severity: SeverityLow, Rule: `action ==`})
	assert.ErrorIs(t, err, ErrRuleInvalid)

	_, err = l.Create(ctx, CreateRequest{
		Name: "x", Severity: SeverityLow, Rule: `true`,
		Metadata: Metadata{CanaryPercent: 150},
	})
	assert.Error(t, err)
}

func TestLifecycle_HappyPathToActive(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	p := createPolicy(t, l, "low-risk", SeverityLow, `true`, Metadata{Effect: EffectDeny})

	p = advance(t, l, p.ID, StateSimulating, StateCanary, StateActive)
	assert.Equal(t, StateActive, p.State)

	hist, err := l.History(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, StateCanary, hist[2].FromState)
	assert.Equal(t, StateActive, hist[2].ToState)
}

func TestLifecycle_InvalidTransition(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	p := createPolicy(t, l, "skip", SeverityLow, `true`, Metadata{})

	_, err := l.Transition(context.Background(), TransitionRequest{
		PolicyID: p.ID, To: StateActive, Actor: "tester",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLifecycle_CanaryRollbackEdge(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	p := createPolicy(t, l, "rollback", SeverityLow, `true`, Metadata{})

	p = advance(t, l, p.ID, StateSimulating, StateCanary, StateDraft)
	assert.Equal(t, StateDraft, p.State)
}

type stubUpgrades struct {
	applied map[string]string // upgradeID -> policyID
	err     error
}

func (s stubUpgrades) AppliedForPolicy(_ context.Context, upgradeID, policyID string, _ int) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.applied[upgradeID] == policyID, nil
}

func TestLifecycle_HighSeverityNeedsUpgrade(t *testing.T) {
	ctx := context.Background()
	upgrades := stubUpgrades{applied: map[string]string{}}
	l := newLifecycle(t, NewMemoryStore(), upgrades)

	p := createPolicy(t, l, "critical-gate", SeverityCritical, `true`, Metadata{})
	p = advance(t, l, p.ID, StateSimulating, StateCanary)

	// No upgrade id at all.
	_, err := l.Transition(ctx, TransitionRequest{PolicyID: p.ID, To: StateActive, Actor: "tester"})
	assert.ErrorIs(t, err, ErrUpgradeRequired)

	// Upgrade not applied for this policy.
	_, err = l.Transition(ctx, TransitionRequest{
		PolicyID: p.ID, To: StateActive, Actor: "tester", UpgradeID: "upg-1",
	})
	assert.ErrorIs(t, err, ErrUpgradeRequired)

	upgrades.applied["upg-1"] = p.ID
	p2, err := l.Transition(ctx, TransitionRequest{
		PolicyID: p.ID, To: StateActive, Actor: "tester", UpgradeID: "upg-1",
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, p2.State)
}

func TestLifecycle_LowSeveritySkipsUpgradeGate(t *testing.T) {
	l := newLifecycle(t, NewMemoryStore(), nil)
	p := createPolicy(t, l, "low-gate", SeverityMedium, `true`, Metadata{})
	p = advance(t, l, p.ID, StateSimulating, StateCanary, StateActive)
	assert.Equal(t, StateActive, p.State)
}

func newEngine(t *testing.T, store Store, monitor *RollbackMonitor) (*Engine, *audit.MemoryChain) {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	chain := newChain(t)
	return NewEngine(store, ev, chain, monitor, nil, discard()), chain
}

func TestEngine_NoMatchAllows(t *testing.T) {
	eng, chain := newEngine(t, NewMemoryStore(), nil)

	d, err := eng.EvaluateAction(context.Background(), DecisionInput{
		Action: "read", Resource: "ledger/balance", RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, EffectAllow, d.Decision)

	events, err := chain.Events(context.Background(), audit.ShardPolicy, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "policy.decision", events[0].Type)
}

func TestEngine_EffectPriority(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	quarantine := createPolicy(t, l, "suspicious", SeverityHigh, `action == "post"`,
		Metadata{Effect: EffectQuarantine})
	deny := createPolicy(t, l, "forbidden", SeverityLow, `action == "post"`,
		Metadata{Effect: EffectDeny})
	advance(t, l, quarantine.ID, StateSimulating, StateCanary, StateActive)
	advance(t, l, deny.ID, StateSimulating, StateCanary, StateActive)

	eng, _ := newEngine(t, store, nil)
	d, err := eng.EvaluateAction(ctx, DecisionInput{Action: "post", RequestID: "req-1"})
	require.NoError(t, err)

	// deny beats quarantine even though the quarantine policy is higher severity.
	assert.Equal(t, EffectDeny, d.Decision)
	assert.False(t, d.Allowed)
	assert.Equal(t, deny.ID, d.PolicyID)
	assert.Len(t, d.EvidenceRefs, 2)
}

func TestEngine_SeverityBreaksEffectTies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	low := createPolicy(t, l, "low-deny", SeverityLow, `true`, Metadata{Effect: EffectDeny})
	high := createPolicy(t, l, "high-deny", SeverityHigh, `true`, Metadata{Effect: EffectDeny})
	advance(t, l, low.ID, StateSimulating, StateCanary, StateActive)
	advance(t, l, high.ID, StateSimulating, StateCanary, StateActive)

	eng, _ := newEngine(t, store, nil)
	d, err := eng.EvaluateAction(ctx, DecisionInput{Action: "x", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, high.ID, d.PolicyID)
}

func TestEngine_BrokenRuleSkipped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Bypass Create's compile check to simulate a rule that breaks at runtime.
	_, err := store.Create(ctx, Policy{
		ID: uuid.New().String(), Name: "broken", Severity: SeverityLow,
		Rule: `context.missing.deep == 1`, State: StateActive,
		Metadata: Metadata{Effect: EffectDeny},
	}, nil)
	require.NoError(t, err)

	eng, _ := newEngine(t, store, nil)
	d, err := eng.EvaluateAction(ctx, DecisionInput{Action: "x", RequestID: "req-1"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEngine_CanarySamplingGates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	p := createPolicy(t, l, "canary-deny", SeverityLow, `true`,
		Metadata{Effect: EffectDeny, CanaryPercent: 100})
	advance(t, l, p.ID, StateSimulating, StateCanary)

	eng, _ := newEngine(t, store, nil)
	d, err := eng.EvaluateAction(ctx, DecisionInput{Action: "x", RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, d.Decision)

	// 0% canary never enforces, but the match is still observed.
	p0 := createPolicy(t, l, "canary-off", SeverityLow, `true`,
		Metadata{Effect: EffectDeny, CanaryPercent: 0})
	advance(t, l, p.ID, StateDraft)
	advance(t, l, p0.ID, StateSimulating, StateCanary)

	counts := &countingMetrics{}
	eng2, _ := newEngine(t, store, nil)
	eng2.metrics = counts
	d, err = eng2.EvaluateAction(ctx, DecisionInput{Action: "x", RequestID: "req-2"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, counts.observed)
	assert.Equal(t, 0, counts.enforced)
}

type countingMetrics struct {
	observed int
	enforced int
}

func (*countingMetrics) Decision(context.Context, Effect, bool) {}
func (*countingMetrics) EvalError(context.Context, string)      {}
func (m *countingMetrics) CanaryMatch(_ context.Context, _ string, enforced bool) {
	if enforced {
		m.enforced++
	} else {
		m.observed++
	}
}

func TestRollbackMonitor_RollsBackAfterWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	p := createPolicy(t, l, "bad-canary", SeverityLow, `true`,
		Metadata{Effect: EffectDeny, CanaryPercent: 100})
	p = advance(t, l, p.ID, StateSimulating, StateCanary)

	m := NewRollbackMonitor(store, nil, discard(), MonitorConfig{Window: 10, Threshold: 0.5})
	for i := 0; i < 10; i++ {
		m.Record(ctx, p, true)
	}

	after, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDraft, after.State)
}

func TestRollbackMonitor_HealthyCanaryStays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	p := createPolicy(t, l, "good-canary", SeverityLow, `true`,
		Metadata{Effect: EffectDeny, CanaryPercent: 100})
	p = advance(t, l, p.ID, StateSimulating, StateCanary)

	m := NewRollbackMonitor(store, nil, discard(), MonitorConfig{Window: 10, Threshold: 0.5})
	for i := 0; i < 20; i++ {
		m.Record(ctx, p, i%4 == 0) // 25% failure rate, under threshold
	}

	after, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCanary, after.State)
}

func TestRollbackMonitor_CooldownSuppressesRepeat(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := newLifecycle(t, store, nil)

	p := createPolicy(t, l, "flappy", SeverityLow, `true`,
		Metadata{Effect: EffectDeny, CanaryPercent: 100})
	p = advance(t, l, p.ID, StateSimulating, StateCanary)

	m := NewRollbackMonitor(store, nil, discard(), MonitorConfig{Window: 5, Threshold: 0.5, Cooldown: time.Hour})
	for i := 0; i < 5; i++ {
		m.Record(ctx, p, true)
	}
	require.Equal(t, StateDraft, mustGet(t, store, p.ID).State)

	// Operator re-promotes; monitor must not immediately roll back again.
	p = advance(t, l, p.ID, StateSimulating, StateCanary)
	for i := 0; i < 5; i++ {
		m.Record(ctx, p, true)
	}
	assert.Equal(t, StateCanary, mustGet(t, store, p.ID).State)
}

func mustGet(t *testing.T, store Store, id string) Policy {
	t.Helper()
	p, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	cached := NewCachedStore(inner, time.Hour)
	l := newLifecycle(t, cached, nil)

	active, err := cached.ListByState(ctx, StateActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	p := createPolicy(t, l, "cached", SeverityLow, `true`, Metadata{Effect: EffectDeny})
	advance(t, l, p.ID, StateSimulating, StateCanary, StateActive)

	active, err = cached.ListByState(ctx, StateActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, p.ID, active[0].ID)
}
