package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/meridianhq/trustcore/pkg/api"
	"github.com/meridianhq/trustcore/pkg/audit"
	"github.com/meridianhq/trustcore/pkg/config"
	"github.com/meridianhq/trustcore/pkg/crypto"
	"github.com/meridianhq/trustcore/pkg/governance"
	"github.com/meridianhq/trustcore/pkg/ledger"
	"github.com/meridianhq/trustcore/pkg/observability"
	"github.com/meridianhq/trustcore/pkg/proof"
	"github.com/meridianhq/trustcore/pkg/store"
	"github.com/meridianhq/trustcore/pkg/upgrade"
)

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// core bundles the wired services shared by serve and the subcommands.
type core struct {
	db       *sql.DB
	registry *crypto.Registry
	signer   crypto.Signer
	verifier crypto.Verifier
	chain    audit.Chain
	journals ledger.Store
	proofs   *proof.Service
	policies *governance.Lifecycle
	engine   *governance.Engine
	upgrades *upgrade.Service
	metrics  *observability.Provider
}

func kmsTLS(cfg *config.Config) *crypto.KMSTLS {
	if cfg.KMSCertFile == "" && cfg.KMSCAFile == "" {
		return nil
	}
	return &crypto.KMSTLS{
		CertFile: cfg.KMSCertFile,
		KeyFile:  cfg.KMSKeyFile,
		CAFile:   cfg.KMSCAFile,
	}
}

func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{}

	if cfg.LiteMode {
		c.registry = crypto.NewRegistry()
	} else {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Bootstrap(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		c.db = db
		c.registry = crypto.NewPostgresRegistry(db)
		if err := c.registry.Reload(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	signer, err := crypto.NewSigner(ctx, crypto.Options{
		KMSEndpoint:  cfg.KMSEndpoint,
		RequireKMS:   cfg.RequireKMS,
		TLS:          kmsTLS(cfg),
		LocalSeedHex: os.Getenv("LOCAL_SIGNER_SEED"),
	}, c.registry, logger)
	if err != nil {
		return nil, err
	}
	c.signer = signer

	verifier := &crypto.ChainVerifier{Registry: c.registry}
	if kms, ok := signer.(*crypto.KMSClient); ok {
		verifier.KMS = kms
	}
	c.verifier = verifier

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "trustcore",
		ServiceVersion: "1.0.0",
		Environment:    os.Getenv("ENVIRONMENT"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Interval:       15 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	}, logger)
	if err != nil {
		return nil, err
	}
	c.metrics = metrics

	eval, err := governance.NewEvaluator()
	if err != nil {
		return nil, err
	}

	var policyStore governance.Store
	if cfg.LiteMode {
		memChain := audit.NewMemoryChain(signer, verifier)
		memChain.SetMetrics(metrics)
		c.chain = memChain
		memLedger := ledger.NewMemoryStore(c.chain)
		memLedger.SetMetrics(metrics)
		c.journals = memLedger
		c.proofs = proof.NewService(c.journals, signer, proof.NewMemoryStore())
		policyStore = governance.NewMemoryStore()
		c.upgrades = upgrade.NewService(upgrade.NewMemoryStore(), verifier, signer, c.chain, upgrade.Config{
			ApproverPool:      cfg.ApproverIDs,
			RequiredApprovals: cfg.RequiredApprovals,
			RatifyWindow:      cfg.RatifyWindow,
		}, logger)
	} else {
		pgChain := audit.NewPostgresChain(c.db, signer, verifier)
		pgChain.SetMetrics(metrics)
		c.chain = pgChain
		pgLedger := ledger.NewPostgresStore(c.db, pgChain)
		pgLedger.SetMetrics(metrics)
		c.journals = pgLedger
		c.proofs = proof.NewService(c.journals, signer, proof.NewPostgresStore(c.db))
		policyStore = governance.NewCachedStore(governance.NewPostgresStore(c.db), 5*time.Second)
		c.upgrades = upgrade.NewService(upgrade.NewPostgresStore(c.db), verifier, signer, c.chain, upgrade.Config{
			ApproverPool:      cfg.ApproverIDs,
			RequiredApprovals: cfg.RequiredApprovals,
			RatifyWindow:      cfg.RatifyWindow,
		}, logger)
	}

	c.policies = governance.NewLifecycle(policyStore, eval, c.chain, c.upgrades, logger)
	monitor := governance.NewRollbackMonitor(policyStore, c.chain, logger, governance.MonitorConfig{})
	c.engine = governance.NewEngine(policyStore, eval, c.chain, monitor, metrics, logger)

	// An applied policy_activation upgrade pulls the target policy into
	// active; a rollback retires it.
	c.upgrades.SetSideEffect(func(ctx context.Context, m upgrade.Manifest) error {
		if m.Target.PolicyID == "" {
			return nil
		}
		switch m.Type {
		case upgrade.TypePolicyActivation:
			_, err := c.policies.Transition(ctx, governance.TransitionRequest{
				PolicyID:  m.Target.PolicyID,
				To:        governance.StateActive,
				Actor:     "upgrade:" + m.UpgradeID,
				UpgradeID: m.UpgradeID,
			})
			if errors.Is(err, governance.ErrInvalidTransition) {
				// Policy not in canary yet; the operator activates it through
				// the lifecycle endpoint referencing this upgrade.
				return nil
			}
			return err
		case upgrade.TypeRollback:
			_, err := c.policies.Transition(ctx, governance.TransitionRequest{
				PolicyID: m.Target.PolicyID,
				To:       governance.StateDeprecated,
				Actor:    "upgrade:" + m.UpgradeID,
			})
			if errors.Is(err, governance.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		return nil
	})

	return c, nil
}

func (c *core) close(ctx context.Context) {
	if c.metrics != nil {
		_ = c.metrics.Shutdown(ctx)
	}
	if c.db != nil {
		_ = c.db.Close()
	}
}

func runServer(stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "startup: %v\n", err)
		return 1
	}
	defer c.close(context.Background())

	srv := api.NewServer(c.journals, c.proofs, c.policies, c.engine, c.upgrades, c.chain, logger)
	srv.SetHealthCheck(func(ctx context.Context) error {
		if c.db != nil {
			if err := c.db.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if cfg.RequireKMS {
			if kms, ok := c.signer.(*crypto.KMSClient); ok {
				if err := kms.Ping(ctx); err != nil {
					return fmt.Errorf("kms: %w", err)
				}
			}
		}
		return nil
	})

	// A broken chain at startup means the store was tampered with while the
	// process was down: serve reads only.
	for _, shard := range []string{audit.ShardLedger, audit.ShardPolicy, audit.ShardUpgrade} {
		if err := c.chain.VerifyRange(ctx, shard, 0, 0); err != nil {
			var broken *audit.BrokenChainError
			if errors.As(err, &broken) {
				logger.Error("audit chain broken at startup; entering read-only mode",
					"shard", shard, "event", broken.EventID, "reason", broken.Reason)
				srv.SetReadOnly(true)
				break
			}
			_, _ = fmt.Fprintf(stderr, "startup chain verification: %v\n", err)
			return 1
		}
	}

	var idem api.IdempotencyStore
	if c.db != nil {
		idem = api.NewPostgresIdempotency(c.db, cfg.IdempotencyTTL)
	} else {
		idem = api.NewMemoryIdempotency(cfg.IdempotencyTTL)
	}

	var limiter api.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = api.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RateLimitRPS, cfg.RateLimitBurst)
	} else {
		limiter = api.NewLocalLimiterStore(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(idem, limiter, c.metrics),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.upgrades.RatificationSweep(ctx); err != nil {
					logger.Error("ratification sweep", "error", err)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustcore listening", "port", cfg.Port, "lite", cfg.LiteMode)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "server: %v\n", err)
			return 1
		}
		return 0
	}
}
