// Package config holds the tunables of the attestation engine.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aspect-build/pqattest/internal/crypto"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration. Durations are kept in
// milliseconds to match the file format.
type Config struct {
	MaxReportAgeMs         int64    `yaml:"maxReportAgeMs"`
	RiskThreshold          float64  `yaml:"riskThreshold"`
	VerificationCacheTTLMs int64    `yaml:"verificationCacheTtlMs"`
	RateLimitPerMinute     int      `yaml:"rateLimitPerMinute"`
	SupportedAlgorithms    []string `yaml:"supportedAlgorithms"`
	ChallengeTTLMs         int64    `yaml:"challengeTtlMs"`
	ClockSkewMs            int64    `yaml:"clockSkewMs"`
	CollectionTimeoutMs    int64    `yaml:"collectionTimeoutMs"`
	BulkConcurrency        int      `yaml:"bulkConcurrency"`
	KeyCacheSize           int      `yaml:"keyCacheSize"`
	RequireChallenge       bool     `yaml:"requireChallenge"`
	DefaultPolicy          string   `yaml:"defaultPolicy"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		MaxReportAgeMs:         300000,
		RiskThreshold:          0.5,
		VerificationCacheTTLMs: 60000,
		RateLimitPerMinute:     crypto.DefaultRateLimitPerMinute,
		SupportedAlgorithms: []string{
			crypto.MLDSA65, crypto.MLDSA87, crypto.Ed25519, crypto.Ed25519MLDSA87,
			crypto.MLKEM768, crypto.MLKEM1024, crypto.X25519, crypto.X25519MLKEM1024,
		},
		ChallengeTTLMs:      300000,
		ClockSkewMs:         5000,
		CollectionTimeoutMs: 10000,
		BulkConcurrency:     8,
		KeyCacheSize:        256,
		RequireChallenge:    true,
		DefaultPolicy:       "default",
	}
}

// LoadFile overlays the YAML document at path onto the defaults.
// Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Env var names read by ApplyEnv.
const (
	EnvMaxReportAgeMs      = "PQATTEST_MAX_REPORT_AGE_MS"
	EnvRiskThreshold       = "PQATTEST_RISK_THRESHOLD"
	EnvCacheTTLMs          = "PQATTEST_CACHE_TTL_MS"
	EnvRateLimitPerMinute  = "PQATTEST_RATE_LIMIT_PER_MINUTE"
	EnvAlgorithms          = "PQATTEST_ALGORITHMS"
	EnvChallengeTTLMs      = "PQATTEST_CHALLENGE_TTL_MS"
	EnvCollectionTimeoutMs = "PQATTEST_COLLECTION_TIMEOUT_MS"
	EnvBulkConcurrency     = "PQATTEST_BULK_CONCURRENCY"
	EnvRequireChallenge    = "PQATTEST_REQUIRE_CHALLENGE"
)

// ApplyEnv overrides fields from PQATTEST_* variables. Malformed values
// are errors, not silently ignored.
func (c *Config) ApplyEnv() error {
	ints := []struct {
		env string
		dst *int64
	}{
		{EnvMaxReportAgeMs, &c.MaxReportAgeMs},
		{EnvCacheTTLMs, &c.VerificationCacheTTLMs},
		{EnvChallengeTTLMs, &c.ChallengeTTLMs},
		{EnvCollectionTimeoutMs, &c.CollectionTimeoutMs},
	}
	for _, f := range ints {
		if v := strings.TrimSpace(os.Getenv(f.env)); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%s must be an integer: %w", f.env, err)
			}
			*f.dst = n
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvRateLimitPerMinute)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvRateLimitPerMinute, err)
		}
		c.RateLimitPerMinute = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvBulkConcurrency)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvBulkConcurrency, err)
		}
		c.BulkConcurrency = n
	}
	if v := strings.TrimSpace(os.Getenv(EnvRiskThreshold)); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", EnvRiskThreshold, err)
		}
		c.RiskThreshold = f
	}
	if v := os.Getenv(EnvAlgorithms); strings.TrimSpace(v) != "" {
		var algs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				algs = append(algs, a)
			}
		}
		c.SupportedAlgorithms = algs
	}
	if v := os.Getenv(EnvRequireChallenge); strings.TrimSpace(v) != "" {
		b, err := ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s %w", EnvRequireChallenge, err)
		}
		c.RequireChallenge = b
	}
	return nil
}

// ParseBool accepts the boolean spellings used across PQATTEST_* vars.
func ParseBool(v string) (bool, error) {
	switch strings.TrimSpace(strings.ToLower(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.New("must be one of true/false/1/0/yes/no/on/off")
}

// Validate checks ranges and that every supported algorithm is known.
func (c *Config) Validate() error {
	switch {
	case c.MaxReportAgeMs <= 0:
		return errors.New("maxReportAgeMs must be positive")
	case c.RiskThreshold < 0 || c.RiskThreshold > 1:
		return errors.New("riskThreshold must be within [0,1]")
	case c.VerificationCacheTTLMs <= 0:
		return errors.New("verificationCacheTtlMs must be positive")
	case c.RateLimitPerMinute < 0:
		return errors.New("rateLimitPerMinute must not be negative")
	case c.ChallengeTTLMs <= 0:
		return errors.New("challengeTtlMs must be positive")
	case c.ClockSkewMs < 0:
		return errors.New("clockSkewMs must not be negative")
	case c.CollectionTimeoutMs <= 0:
		return errors.New("collectionTimeoutMs must be positive")
	case c.BulkConcurrency <= 0:
		return errors.New("bulkConcurrency must be positive")
	case c.KeyCacheSize <= 0:
		return errors.New("keyCacheSize must be positive")
	case len(c.SupportedAlgorithms) == 0:
		return errors.New("supportedAlgorithms must not be empty")
	}
	if _, err := crypto.DefaultRegistry().Restrict(c.SupportedAlgorithms); err != nil {
		return fmt.Errorf("supportedAlgorithms: %w", err)
	}
	return nil
}

// Engine builds a crypto engine restricted to the supported algorithms,
// with rate limiting and a key cache sized from c.
func (c *Config) Engine(opts ...crypto.Option) (*crypto.Engine, error) {
	reg, err := crypto.DefaultRegistry().Restrict(c.SupportedAlgorithms)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.NewKeyCache(c.KeyCacheSize)
	if err != nil {
		return nil, err
	}
	base := []crypto.Option{
		crypto.WithRegistry(reg),
		crypto.WithRateLimiter(crypto.NewRateLimiter(c.RateLimitPerMinute)),
		crypto.WithKeyCache(keys),
	}
	return crypto.NewEngine(append(base, opts...)...), nil
}

func (c *Config) MaxReportAge() time.Duration {
	return time.Duration(c.MaxReportAgeMs) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.VerificationCacheTTLMs) * time.Millisecond
}

func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLMs) * time.Millisecond
}

func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.ClockSkewMs) * time.Millisecond
}

func (c *Config) CollectionTimeout() time.Duration {
	return time.Duration(c.CollectionTimeoutMs) * time.Millisecond
}
