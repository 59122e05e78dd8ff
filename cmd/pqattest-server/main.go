package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/logx"
	"github.com/aspect-build/pqattest/internal/server"
	"github.com/aspect-build/pqattest/internal/server/db"
	"github.com/aspect-build/pqattest/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or PQATTEST_LOG_LEVEL)")
	sweep := flag.Duration("sweep-interval", time.Minute, "How often expired challenges and cached results are dropped")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("pqattest-server"))
		fmt.Fprintf(os.Stderr, "pqattest-server verifies post-quantum signed device attestation reports.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_ADMIN_TOKEN    Admin Bearer token for management APIs (min 16 chars, required)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_DB_PATH        SQLite database path (default: pqattest.db)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_LISTEN_ADDR    Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_CONFIG         Verification settings YAML file\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_POLICY_DIR     Directory of policy YAML files seeded at startup\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_TRUST_POLICY   Cedar trust policy file (default: built-in)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_RESULT_KEY     Ed25519 seed (64 hex chars) signing result tokens\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_TOKEN_ISSUER   iss claim of result tokens (default: pqattest)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_CORS_ORIGINS   Comma separated allowed origins\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_LOG_LEVEL      Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "  PQATTEST_LOG_FORMAT     console|json (default: console)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("pqattest-server"))
		os.Exit(0)
	}

	logger, err := logx.Configure(*logLevel, *verbose)
	if err != nil {
		log.Fatalf("configure logging: %v", err)
	}
	defer logger.Sync()

	if err := run(logger, *sweep); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(logger *zap.Logger, sweep time.Duration) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := server.NewServices(ctx, store, cfg, logger)
	if err != nil {
		return err
	}
	go services.Orchestrator.RunSweeper(ctx, sweep)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(services, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("pqattest-server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("db", cfg.DBPath),
			zap.Strings("algorithms", cfg.Attestation.SupportedAlgorithms),
			zap.Bool("require_challenge", cfg.Attestation.RequireChallenge),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
