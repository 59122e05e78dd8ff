package server

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strings"

	"github.com/aspect-build/pqattest/internal/config"
	"github.com/aspect-build/pqattest/internal/token"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	AdminToken      string
	DBPath          string
	ListenAddr      string
	CORSOrigins     []string
	PolicyDir       string
	TrustPolicyPath string
	ResultKey       ed25519.PrivateKey
	TokenIssuer     string
	Attestation     *config.Config
}

// LoadConfig loads server configuration from environment variables.
// Verification settings come from the file named by PQATTEST_CONFIG,
// overlaid with PQATTEST_* overrides.
func LoadConfig() (*Config, error) {
	adminToken := os.Getenv("PQATTEST_ADMIN_TOKEN")
	if adminToken == "" {
		return nil, fmt.Errorf("PQATTEST_ADMIN_TOKEN is required")
	}
	if len(adminToken) < 16 {
		return nil, fmt.Errorf("PQATTEST_ADMIN_TOKEN must be at least 16 characters")
	}

	dbPath := os.Getenv("PQATTEST_DB_PATH")
	if dbPath == "" {
		dbPath = "pqattest.db"
	}

	listenAddr := os.Getenv("PQATTEST_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	var corsOrigins []string
	if v := os.Getenv("PQATTEST_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	var resultKey ed25519.PrivateKey
	if v := os.Getenv("PQATTEST_RESULT_KEY"); v != "" {
		k, err := token.ParseSeed(v)
		if err != nil {
			return nil, fmt.Errorf("PQATTEST_RESULT_KEY: %w", err)
		}
		resultKey = k
	}

	att := config.Default()
	if path := os.Getenv("PQATTEST_CONFIG"); path != "" {
		c, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		att = c
	}
	if err := att.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := att.Validate(); err != nil {
		return nil, err
	}

	return &Config{
		AdminToken:      adminToken,
		DBPath:          dbPath,
		ListenAddr:      listenAddr,
		CORSOrigins:     corsOrigins,
		PolicyDir:       os.Getenv("PQATTEST_POLICY_DIR"),
		TrustPolicyPath: os.Getenv("PQATTEST_TRUST_POLICY"),
		ResultKey:       resultKey,
		TokenIssuer:     os.Getenv("PQATTEST_TOKEN_ISSUER"),
		Attestation:     att,
	}, nil
}
