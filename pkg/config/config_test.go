package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 3, cfg.RequiredApprovals)
	assert.Equal(t, int64(1<<20), cfg.IdempotencyBodyLimit)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 48*time.Hour, cfg.RatifyWindow)
	assert.False(t, cfg.RequireKMS)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REQUIRE_KMS", "true")
	t.Setenv("UPGRADE_APPROVER_IDS", "kid-a, kid-b,kid-c")
	t.Setenv("UPGRADE_REQUIRED_APPROVALS", "2")
	t.Setenv("IDEMPOTENCY_TTL", "1h")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.RequireKMS)
	assert.Equal(t, []string{"kid-a", "kid-b", "kid-c"}, cfg.ApproverIDs)
	assert.Equal(t, 2, cfg.RequiredApprovals)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("UPGRADE_REQUIRED_APPROVALS", "lots")
	t.Setenv("REQUIRE_KMS", "maybe")

	cfg := Load()
	assert.Equal(t, 3, cfg.RequiredApprovals)
	assert.False(t, cfg.RequireKMS)
}
