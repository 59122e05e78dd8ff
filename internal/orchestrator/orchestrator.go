// Package orchestrator composes collection, signing, verification, policy
// evaluation and risk scoring into the device and verifier pipelines.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/cache"
	"github.com/aspect-build/pqattest/internal/config"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/risk"
	"github.com/aspect-build/pqattest/internal/trustgate"
)

var (
	ErrReplay           = errors.New("report replay rejected")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrPolicyNotFound   = errors.New("policy not found")
	ErrReportNotFound   = errors.New("report not found")
	ErrReportConflict   = errors.New("report id already used by a different submission")
	ErrCollectionFailed = errors.New("measurement collection failed")
	ErrNoCollector      = errors.New("no measurement collector configured")
	ErrNoReportStore    = errors.New("no report store configured")
)

// DeviceRegistry resolves registered devices. Device returns nil, nil for
// an unknown id.
type DeviceRegistry interface {
	Device(ctx context.Context, id string) (*attestation.Device, error)
}

// ReportStore persists annotated reports. Report returns nil, nil for an
// unknown id.
type ReportStore interface {
	SaveReport(ctx context.Context, r *attestation.Report) error
	Report(ctx context.Context, id string) (*attestation.Report, error)
}

// PolicySource resolves policies by name. Unknown names return an error
// wrapping policy.ErrNotFound.
type PolicySource interface {
	Policy(ctx context.Context, name string) (*policy.Policy, error)
}

// Orchestrator runs the attestation pipelines. It is safe for concurrent
// use.
type Orchestrator struct {
	provider   crypto.Provider
	collector  attestation.Collector
	registry   DeviceRegistry
	reports    ReportStore
	policies   PolicySource
	challenges *attestation.ChallengeTable
	cache      *cache.VerificationCache
	verifier   *attestation.SignatureVerifier
	engine     *policy.Engine
	scorer     *risk.Scorer
	gate       *trustgate.Gate
	sink       audit.Sink
	logger     *zap.Logger
	cfg        *config.Config
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithCollector(c attestation.Collector) Option { return func(o *Orchestrator) { o.collector = c } }
func WithRegistry(r DeviceRegistry) Option { return func(o *Orchestrator) { o.registry = r } }
func WithReportStore(s ReportStore) Option { return func(o *Orchestrator) { o.reports = s } }
func WithPolicies(p PolicySource) Option { return func(o *Orchestrator) { o.policies = p } }
func WithAuditSink(s audit.Sink) Option { return func(o *Orchestrator) { o.sink = s } }
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }
func WithConfig(c *config.Config) Option { return func(o *Orchestrator) { o.cfg = c } }
func WithTrustGate(g *trustgate.Gate) Option { return func(o *Orchestrator) { o.gate = g } }

// WithChallenges uses t instead of a table built from the configuration.
func WithChallenges(t *attestation.ChallengeTable) Option {
	return func(o *Orchestrator) { o.challenges = t }
}

// WithCache shares a verification cache.
func WithCache(c *cache.VerificationCache) Option { return func(o *Orchestrator) { o.cache = c } }

// WithClock replaces the time source of the orchestrator and the
// components it builds.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// New wires an orchestrator around provider. Components not supplied are
// built from the configuration.
func New(provider crypto.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		sink:     audit.NopSink{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.Default()
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.policies == nil {
		o.policies = policy.NewCatalog()
	}
	if o.challenges == nil {
		o.challenges = attestation.NewChallengeTable(o.cfg.ChallengeTTL())
		o.challenges.SetClock(o.now)
	}
	if o.cache == nil {
		o.cache = cache.New(o.cfg.CacheTTL())
		o.cache.SetClock(o.now)
	}
	o.verifier = attestation.NewSignatureVerifier(provider)
	o.engine = policy.NewEngine(policy.WithClock(o.now), policy.WithMaxAge(o.cfg.MaxReportAge()))
	o.scorer = risk.NewScorer(
		risk.WithThreshold(o.cfg.RiskThreshold),
		risk.WithMaxAge(o.cfg.MaxReportAge()),
		risk.WithClock(o.now),
	)
	return o
}

// Challenges exposes the nonce table.
func (o *Orchestrator) Challenges() *attestation.ChallengeTable { return o.challenges }

// Cache exposes the verification cache.
func (o *Orchestrator) Cache() *cache.VerificationCache { return o.cache }

// Config returns the active configuration.
func (o *Orchestrator) Config() *config.Config { return o.cfg }

// Sweep drops expired challenges and cache entries.
func (o *Orchestrator) Sweep() (challenges, results int) {
	return o.challenges.Sweep(), o.cache.Sweep()
}

// RunSweeper sweeps every interval until ctx is done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c, r := o.Sweep()
			if c+r > 0 {
				o.logger.Debug("swept expired entries", zap.Int("challenges", c), zap.Int("results", r))
			}
		}
	}
}

func (o *Orchestrator) device(ctx context.Context, id string) (*attestation.Device, error) {
	if o.registry == nil {
		return nil, ErrDeviceNotFound
	}
	d, err := o.registry.Device(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

func (o *Orchestrator) policyFor(ctx context.Context, d *attestation.Device) (*policy.Policy, error) {
	name := o.cfg.DefaultPolicy
	if d != nil && d.PolicyRef != "" {
		name = d.PolicyRef
	}
	p, err := o.policies.Policy(ctx, name)
	if errors.Is(err, policy.ErrNotFound) {
		return nil, ErrPolicyNotFound
	}
	return p, err
}

func (o *Orchestrator) record(ctx context.Context, e audit.Event) {
	if err := o.sink.Record(ctx, e); err != nil {
		o.logger.Warn("audit record failed", zap.String("type", string(e.Type)), zap.Error(err))
	}
}
