package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/orchestrator"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/server/db"
	"github.com/aspect-build/pqattest/internal/server/handler"
	"github.com/aspect-build/pqattest/internal/token"
	"github.com/aspect-build/pqattest/internal/trustgate"
)

// NewServices wires the verifier around an open store: crypto engine,
// trust gate, orchestrator and result token issuer. Policies found in
// cfg.PolicyDir are seeded into the store without replacing stored ones.
func NewServices(ctx context.Context, store *db.Store, cfg *Config, logger *zap.Logger) (*handler.Services, error) {
	engine, err := cfg.Attestation.Engine(crypto.WithLogger(logger.Named("crypto")))
	if err != nil {
		return nil, err
	}

	if cfg.PolicyDir != "" {
		policies, err := policy.LoadDir(cfg.PolicyDir)
		if err != nil {
			return nil, err
		}
		n, err := store.SeedPolicies(ctx, policies)
		if err != nil {
			return nil, err
		}
		logger.Info("policies loaded", zap.String("dir", cfg.PolicyDir), zap.Int("seeded", n))
	}

	var gate *trustgate.Gate
	if cfg.TrustPolicyPath != "" {
		gate, err = trustgate.LoadFile(cfg.TrustPolicyPath, logger.Named("trustgate"))
	} else {
		gate, err = trustgate.New(nil, logger.Named("trustgate"))
	}
	if err != nil {
		return nil, err
	}

	key := cfg.ResultKey
	if key == nil {
		if key, err = token.GenerateKey(); err != nil {
			return nil, fmt.Errorf("generate result key: %w", err)
		}
		logger.Warn("PQATTEST_RESULT_KEY not set; result tokens use an ephemeral key")
	}
	issuer := token.NewIssuer(key, cfg.TokenIssuer, cfg.Attestation.MaxReportAge())

	orch := orchestrator.New(engine,
		orchestrator.WithConfig(cfg.Attestation),
		orchestrator.WithRegistry(store),
		orchestrator.WithReportStore(store),
		orchestrator.WithPolicies(store),
		orchestrator.WithTrustGate(gate),
		orchestrator.WithAuditSink(audit.Multi{store, audit.NewLogSink(logger)}),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	)

	return &handler.Services{
		Store:        store,
		Orchestrator: orch,
		Provider:     engine,
		Registry:     engine.Registry(),
		Tokens:       issuer,
		Logger:       logger.Named("http"),
	}, nil
}
