package governance

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"
)

// sampleCanary decides deterministically whether a request falls inside a
// canary slice. The same request id always lands on the same side, so
// retries see a consistent decision. percent is 0-100; bucket resolution is
// 1/100th of a percent.
func sampleCanary(requestID string, percent int) bool {
	if percent <= 0 {
		return false
	}
	if percent >= 100 {
		return true
	}
	sum := sha256.Sum256([]byte(requestID))
	bucket := binary.BigEndian.Uint64(sum[:8]) % 10_000
	return bucket < uint64(percent)*100
}

// RollbackMonitor tracks per-policy failure rates over a sliding window of
// canary-sampled decisions and rolls a canary policy back to draft when the
// rate crosses the threshold. A cooldown suppresses repeated rollbacks of
// the same policy while operators investigate.
type RollbackMonitor struct {
	store     Store
	chain     auditAppender
	logger    *slog.Logger
	window    int
	threshold float64
	cooldown  time.Duration

	mu       sync.Mutex
	outcomes map[string][]bool // policyID -> recent failure flags
	rolledAt map[string]time.Time
	now      func() time.Time
}

// MonitorConfig tunes the rollback monitor. Zero values take defaults:
// window 50, threshold 0.5, cooldown 10 minutes.
type MonitorConfig struct {
	Window    int
	Threshold float64
	Cooldown  time.Duration
}

// NewRollbackMonitor creates a monitor over the given policy store.
func NewRollbackMonitor(store Store, chain auditAppender, logger *slog.Logger, cfg MonitorConfig) *RollbackMonitor {
	if cfg.Window <= 0 {
		cfg.Window = 50
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Minute
	}
	return &RollbackMonitor{
		store:     store,
		chain:     chain,
		logger:    logger,
		window:    cfg.Window,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		outcomes:  make(map[string][]bool),
		rolledAt:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Record notes the outcome of one canary-sampled decision and triggers a
// rollback when the window fills past the failure threshold. Rollback
// failures are logged; enforcement never blocks on the monitor.
func (m *RollbackMonitor) Record(ctx context.Context, p Policy, failed bool) {
	m.mu.Lock()
	window := append(m.outcomes[p.ID], failed)
	if len(window) > m.window {
		window = window[len(window)-m.window:]
	}
	m.outcomes[p.ID] = window

	trigger := false
	if len(window) >= m.window {
		failures := 0
		for _, f := range window {
			if f {
				failures++
			}
		}
		rate := float64(failures) / float64(len(window))
		if rate >= m.threshold {
			last, seen := m.rolledAt[p.ID]
			if !seen || m.now().Sub(last) >= m.cooldown {
				m.rolledAt[p.ID] = m.now()
				delete(m.outcomes, p.ID)
				trigger = true
			}
		}
	}
	m.mu.Unlock()

	if trigger {
		m.rollback(ctx, p)
	}
}

func (m *RollbackMonitor) rollback(ctx context.Context, p Policy) {
	err := m.store.Transition(ctx, p.ID, StateCanary, StateDraft, "canary-monitor", "",
		func(ctx context.Context, tx *sql.Tx) error {
			return appendPolicyAudit(ctx, tx, m.chain, "policy.canary_rollback", map[string]any{
				"policy_id": p.ID,
				"policy":    p.Name,
				"version":   p.Version,
				"reason":    "failure rate over threshold",
			})
		})
	if err != nil {
		m.logger.Error("canary rollback failed",
			"policy", p.Name, "version", p.Version, "error", err)
		return
	}
	m.logger.Warn("canary rolled back to draft",
		"policy", p.Name, "version", p.Version, "window", m.window, "threshold", m.threshold)
}
