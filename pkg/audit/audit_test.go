package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/crypto"
)

func newTestChain(t *testing.T) *MemoryChain {
	t.Helper()
	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	registry := crypto.NewRegistry()
	require.NoError(t, registry.Register(context.Background(), signer.Info()))
	return NewMemoryChain(signer, registry)
}

func TestChain_AppendLinksEvents(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain(t)

	e1, err := chain.Append(ctx, ShardLedger, "ledger.post", map[string]interface{}{"journal_id": "jrn-1"})
	require.NoError(t, err)
	e2, err := chain.Append(ctx, ShardLedger, "ledger.post", map[string]interface{}{"journal_id": "jrn-2"})
	require.NoError(t, err)

	assert.Empty(t, e1.PrevHash)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.NotEmpty(t, e2.SignatureB64)
}

func TestChain_VerifyRangeOK(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain(t)

	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, ShardPolicy, "policy.decision", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	assert.NoError(t, chain.VerifyRange(ctx, ShardPolicy, 0, 0))
	// Mid-chain range uses the predecessor's hash as anchor.
	assert.NoError(t, chain.VerifyRange(ctx, ShardPolicy, 3, 5))
}

func TestChain_TamperDetected(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain(t)

	for i := 0; i < 4; i++ {
		_, err := chain.Append(ctx, ShardLedger, "ledger.post", map[string]interface{}{"n": i})
		require.NoError(t, err)
	}

	chain.Tamper(ShardLedger, 2, []byte(`{"n":999}`))

	err := chain.VerifyRange(ctx, ShardLedger, 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)

	var broken *BrokenChainError
	require.ErrorAs(t, err, &broken)

	events, _ := chain.Events(ctx, ShardLedger, 2, 2)
	assert.Equal(t, events[0].ID, broken.EventID)
}

type countingMetrics struct {
	appends map[string]int
}

func (m *countingMetrics) AuditAppend(_ context.Context, shard string) {
	if m.appends == nil {
		m.appends = make(map[string]int)
	}
	m.appends[shard]++
}

func TestChain_AppendCountsMetric(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain(t)
	metrics := &countingMetrics{}
	chain.SetMetrics(metrics)

	_, err := chain.Append(ctx, ShardLedger, "ledger.post", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	_, err = chain.Append(ctx, ShardPolicy, "policy.decision", map[string]interface{}{"n": 2})
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.appends[ShardLedger])
	assert.Equal(t, 1, metrics.appends[ShardPolicy])
}

func TestChain_ShardsIndependent(t *testing.T) {
	ctx := context.Background()
	chain := newTestChain(t)

	l, err := chain.Append(ctx, ShardLedger, "ledger.post", map[string]interface{}{"a": 1})
	require.NoError(t, err)
	p, err := chain.Append(ctx, ShardPolicy, "policy.decision", map[string]interface{}{"b": 2})
	require.NoError(t, err)

	// Both are genesis events of their own shard.
	assert.Empty(t, l.PrevHash)
	assert.Empty(t, p.PrevHash)
	assert.Equal(t, int64(1), l.Seq)
	assert.Equal(t, int64(1), p.Seq)
}

func TestChain_UnknownSignerFailsVerification(t *testing.T) {
	ctx := context.Background()
	signer, err := crypto.NewLocalSigner(nil)
	require.NoError(t, err)
	// Registry without the signer's key.
	chain := NewMemoryChain(signer, crypto.NewRegistry())

	_, err = chain.Append(ctx, ShardUpgrade, "upgrade.created", map[string]interface{}{"x": 1})
	require.NoError(t, err)

	err = chain.VerifyRange(ctx, ShardUpgrade, 0, 0)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestComputeHash_PrevHashChangesDigest(t *testing.T) {
	payload := []byte(`{"k":"v"}`)
	e1, err := chainHashAt(payload, "")
	require.NoError(t, err)
	e2, err := chainHashAt(payload, e1)
	require.NoError(t, err)
	assert.NotEqual(t, e1, e2)
}

func chainHashAt(payload []byte, prev string) (string, error) {
	return ComputeHash("ledger.post", payload, prev, fixedTS())
}

func fixedTS() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}
