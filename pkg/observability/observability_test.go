package observability

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/trustcore/pkg/governance"
)

func TestDisabledProviderIsSafe(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	p, err := New(ctx, &Config{Enabled: false}, logger)
	require.NoError(t, err)

	// Every recording path must be a no-op, not a panic.
	p.Decision(ctx, governance.EffectDeny, true)
	p.EvalError(ctx, "broken-policy")
	p.AuditAppend(ctx, "ledger")
	p.LedgerPost(ctx)
	p.RecordRequest(ctx, "/ledger/post", 500, 10*time.Millisecond)

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "trustcore", cfg.ServiceName)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Interval)
}
