package crypto

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Provider is the algorithm-agnostic primitive contract used by the
// attestation pipeline.
type Provider interface {
	GenerateKeyPair(algorithm string) (*KeyPair, error)
	Encapsulate(publicKey []byte, algorithm string) (*Encapsulation, error)
	Decapsulate(ciphertext, secretKey []byte, algorithm string) ([]byte, error)
	Sign(message, secretKey []byte, algorithm string) ([]byte, error)
	Verify(message, signature, publicKey []byte, algorithm string) (bool, error)
	Algorithm(name string) (AlgorithmSpec, error)
}

// KeyPair is a freshly generated key pair.
type KeyPair struct {
	Algorithm string
	PublicKey []byte
	SecretKey []byte
}

// Zero overwrites the secret key.
func (k *KeyPair) Zero() {
	if k != nil {
		zero(k.SecretKey)
	}
}

// Encapsulation is the output of a KEM encapsulation.
type Encapsulation struct {
	Ciphertext   []byte
	SharedSecret []byte
}

// Engine implements Provider on top of a Registry.
type Engine struct {
	registry *Registry
	limiter  *RateLimiter
	keys     *KeyCache
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry replaces the default registry, e.g. with one restricted
// to the configured algorithm list.
func WithRegistry(r *Registry) Option { return func(e *Engine) { e.registry = r } }

// WithRateLimiter enables per-operation rate limiting.
func WithRateLimiter(l *RateLimiter) Option { return func(e *Engine) { e.limiter = l } }

// WithKeyCache enables parsed-key caching.
func WithKeyCache(c *KeyCache) Option { return func(e *Engine) { e.keys = c } }

// WithLogger sets the logger used for security-relevant failures.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// NewEngine returns an engine over DefaultRegistry unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	return e
}

// Registry returns the engine's registry.
func (e *Engine) Registry() *Registry { return e.registry }

// KeyCache returns the engine's key cache, which may be nil.
func (e *Engine) KeyCache() *KeyCache { return e.keys }

// Algorithm returns the contract for name.
func (e *Engine) Algorithm(name string) (AlgorithmSpec, error) {
	spec, err := e.registry.Lookup(name)
	if err != nil {
		return AlgorithmSpec{}, e.fail("lookup", name, err)
	}
	return spec, nil
}

func (e *Engine) prepare(op Operation, name string, kind Kind) (*algorithm, error) {
	a, err := e.registry.resolve(name)
	if err != nil {
		return nil, e.fail(string(op), name, err)
	}
	if a.spec.Kind != kind {
		return nil, e.fail(string(op), a.spec.Name, ErrWrongKind)
	}
	if !a.spec.Implemented {
		return nil, e.fail(string(op), a.spec.Name, fmt.Errorf("%w: no backend linked", ErrUnsupportedAlgorithm))
	}
	if err := e.limiter.Allow(op); err != nil {
		return nil, e.fail(string(op), a.spec.Name, err)
	}
	return a, nil
}

// GenerateKeyPair creates a key pair using the system CSPRNG.
func (e *Engine) GenerateKeyPair(algorithm string) (*KeyPair, error) {
	a, err := e.registry.resolve(algorithm)
	if err != nil {
		return nil, e.fail(string(OpKeyGen), algorithm, err)
	}
	if a, err = e.prepare(OpKeyGen, a.spec.Name, a.spec.Kind); err != nil {
		return nil, err
	}

	var pk, sk []byte
	switch a.spec.Kind {
	case KindKEM:
		pk, sk, err = a.kem.generate()
	case KindSignature:
		pk, sk, err = a.sig.generate()
	}
	if err != nil {
		return nil, e.fail(string(OpKeyGen), a.spec.Name, err)
	}
	if len(pk) != a.spec.PublicKeySize {
		zero(sk)
		return nil, e.fail(string(OpKeyGen), a.spec.Name, sizeError(ErrInvalidKeyFormat, "generated public key", len(pk), a.spec.PublicKeySize))
	}
	if len(sk) != a.spec.SecretKeySize {
		zero(sk)
		return nil, e.fail(string(OpKeyGen), a.spec.Name, sizeError(ErrInvalidKeyFormat, "generated secret key", len(sk), a.spec.SecretKeySize))
	}
	return &KeyPair{Algorithm: a.spec.Name, PublicKey: pk, SecretKey: sk}, nil
}

// Encapsulate derives a shared secret for publicKey.
func (e *Engine) Encapsulate(publicKey []byte, algorithm string) (*Encapsulation, error) {
	a, err := e.prepare(OpEncapsulate, algorithm, KindKEM)
	if err != nil {
		return nil, err
	}
	if len(publicKey) != a.spec.PublicKeySize {
		return nil, e.fail(string(OpEncapsulate), a.spec.Name, sizeError(ErrInvalidKeyFormat, "public key", len(publicKey), a.spec.PublicKeySize))
	}
	ct, ss, err := a.kem.encapsulate(e.keys, a.spec.Name, publicKey)
	if err != nil {
		return nil, e.fail(string(OpEncapsulate), a.spec.Name, err)
	}
	return &Encapsulation{Ciphertext: ct, SharedSecret: ss}, nil
}

// Decapsulate recovers the shared secret from ciphertext.
func (e *Engine) Decapsulate(ciphertext, secretKey []byte, algorithm string) ([]byte, error) {
	a, err := e.prepare(OpDecapsulate, algorithm, KindKEM)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) != a.spec.CiphertextSize {
		return nil, e.fail(string(OpDecapsulate), a.spec.Name, sizeError(ErrInvalidCiphertextFormat, "ciphertext", len(ciphertext), a.spec.CiphertextSize))
	}
	if len(secretKey) != a.spec.SecretKeySize {
		return nil, e.fail(string(OpDecapsulate), a.spec.Name, sizeError(ErrInvalidKeyFormat, "secret key", len(secretKey), a.spec.SecretKeySize))
	}
	ss, err := a.kem.decapsulate(e.keys, a.spec.Name, secretKey, ciphertext)
	if err != nil {
		return nil, e.fail(string(OpDecapsulate), a.spec.Name, err)
	}
	return ss, nil
}

// Sign signs message with secretKey.
func (e *Engine) Sign(message, secretKey []byte, algorithm string) ([]byte, error) {
	a, err := e.prepare(OpSign, algorithm, KindSignature)
	if err != nil {
		return nil, err
	}
	if len(secretKey) != a.spec.SecretKeySize {
		return nil, e.fail(string(OpSign), a.spec.Name, sizeError(ErrInvalidKeyFormat, "secret key", len(secretKey), a.spec.SecretKeySize))
	}
	sig, err := a.sig.sign(e.keys, a.spec.Name, secretKey, message)
	if err != nil {
		return nil, e.fail(string(OpSign), a.spec.Name, err)
	}
	return sig, nil
}

// Verify reports whether signature is valid for message under publicKey.
// Structural problems (unknown algorithm, wrong key or signature length)
// are errors; a well-formed but wrong signature is (false, nil).
func (e *Engine) Verify(message, signature, publicKey []byte, algorithm string) (bool, error) {
	a, err := e.prepare(OpVerify, algorithm, KindSignature)
	if err != nil {
		return false, err
	}
	if len(publicKey) != a.spec.PublicKeySize {
		return false, e.fail(string(OpVerify), a.spec.Name, sizeError(ErrInvalidKeyFormat, "public key", len(publicKey), a.spec.PublicKeySize))
	}
	if len(signature) != a.spec.SignatureSize {
		return false, e.fail(string(OpVerify), a.spec.Name, sizeError(ErrInvalidSignatureFormat, "signature", len(signature), a.spec.SignatureSize))
	}
	return a.sig.verify(e.keys, a.spec.Name, publicKey, message, signature), nil
}

func (e *Engine) fail(op, alg string, err error) error {
	e.logger.Warn("crypto operation rejected",
		zap.String("op", op),
		zap.String("algorithm", alg),
		zap.Error(err),
	)
	var cerr *Error
	if errors.As(err, &cerr) {
		return err
	}
	return opError(op, alg, err)
}
