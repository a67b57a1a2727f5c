package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/meridianhq/trustcore/pkg/config"
	"github.com/meridianhq/trustcore/pkg/crypto"
	"github.com/meridianhq/trustcore/pkg/store"
)

// runDoctor checks the environment contract without mutating anything.
func runDoctor(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.Load()
	ok := true
	check := func(name string, err error) {
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "FAIL  %-22s %v\n", name, err)
			ok = false
			return
		}
		_, _ = fmt.Fprintf(stdout, "OK    %s\n", name)
	}

	if cfg.LiteMode {
		_, _ = fmt.Fprintln(stdout, "SKIP  database (lite mode)")
	} else {
		db, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		check("database", err)
		if err == nil {
			registry := crypto.NewPostgresRegistry(db)
			check("signer registry", registry.Reload(ctx))
			_ = db.Close()
		}
	}

	if cfg.KMSEndpoint != "" {
		client, err := crypto.NewKMSClient(cfg.KMSEndpoint, nil)
		if err == nil {
			err = client.Ping(ctx)
		}
		check("kms proxy", err)
	} else if cfg.RequireKMS {
		check("kms proxy", fmt.Errorf("REQUIRE_KMS set but KMS_ENDPOINT empty"))
	} else {
		_, _ = fmt.Fprintln(stdout, "SKIP  kms proxy (local fallback)")
	}

	if len(cfg.ApproverIDs) > 0 && len(cfg.ApproverIDs) < cfg.RequiredApprovals {
		check("approver pool", fmt.Errorf("pool of %d cannot reach quorum of %d",
			len(cfg.ApproverIDs), cfg.RequiredApprovals))
	} else {
		_, _ = fmt.Fprintf(stdout, "OK    approver pool (%d approvers, quorum %d)\n",
			len(cfg.ApproverIDs), cfg.RequiredApprovals)
	}

	if !ok {
		return 1
	}
	return 0
}
