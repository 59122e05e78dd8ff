package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/sign"
	"golang.org/x/crypto/hkdf"
)

const sharedSecretSize = 32

type kemScheme interface {
	generate() (pk, sk []byte, err error)
	encapsulate(keys *KeyCache, alg string, pk []byte) (ct, ss []byte, err error)
	decapsulate(keys *KeyCache, alg string, sk, ct []byte) ([]byte, error)
}

type signScheme interface {
	generate() (pk, sk []byte, err error)
	sign(keys *KeyCache, alg string, sk, msg []byte) ([]byte, error)
	verify(keys *KeyCache, alg string, pk, msg, sig []byte) bool
}

// circlKEM adapts a CIRCL KEM scheme.
type circlKEM struct {
	scheme kem.Scheme
}

func newCirclKEM(s kem.Scheme) *circlKEM { return &circlKEM{scheme: s} }

func (c *circlKEM) generate() ([]byte, []byte, error) {
	pk, sk, err := c.scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	pkb, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	skb, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal secret key: %w", err)
	}
	return pkb, skb, nil
}

func (c *circlKEM) encapsulate(keys *KeyCache, alg string, pk []byte) ([]byte, []byte, error) {
	parsed, err := keys.load(alg, pk, false, func() (any, error) {
		return c.scheme.UnmarshalBinaryPublicKey(pk)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	ct, ss, err := c.scheme.Encapsulate(parsed.(kem.PublicKey))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	return ct, ss, nil
}

func (c *circlKEM) decapsulate(keys *KeyCache, alg string, sk, ct []byte) ([]byte, error) {
	parsed, err := keys.load(alg, sk, true, func() (any, error) {
		return c.scheme.UnmarshalBinaryPrivateKey(sk)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	ss, err := c.scheme.Decapsulate(parsed.(kem.PrivateKey), ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertextFormat, err)
	}
	return ss, nil
}

// circlSigner adapts a CIRCL signature scheme.
type circlSigner struct {
	scheme sign.Scheme
}

func newCirclSigner(s sign.Scheme) *circlSigner { return &circlSigner{scheme: s} }

func (c *circlSigner) generate() ([]byte, []byte, error) {
	pk, sk, err := c.scheme.GenerateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRandomness, err)
	}
	pkb, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	skb, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("marshal secret key: %w", err)
	}
	return pkb, skb, nil
}

func (c *circlSigner) sign(keys *KeyCache, alg string, sk, msg []byte) ([]byte, error) {
	parsed, err := keys.load(alg, sk, true, func() (any, error) {
		return c.scheme.UnmarshalBinaryPrivateKey(sk)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return c.scheme.Sign(parsed.(sign.PrivateKey), msg, nil), nil
}

func (c *circlSigner) verify(keys *KeyCache, alg string, pk, msg, sig []byte) bool {
	parsed, err := keys.load(alg, pk, false, func() (any, error) {
		return c.scheme.UnmarshalBinaryPublicKey(pk)
	})
	if err != nil {
		return false
	}
	return c.scheme.Verify(parsed.(sign.PublicKey), msg, sig, nil)
}

// hybridSigner concatenates a classical and a PQC signature. Keys and
// signatures are first||second with fixed split points.
type hybridSigner struct {
	first, second              signScheme
	firstPK, firstSK, firstSig int
}

func (h *hybridSigner) generate() ([]byte, []byte, error) {
	pk1, sk1, err := h.first.generate()
	if err != nil {
		return nil, nil, err
	}
	pk2, sk2, err := h.second.generate()
	if err != nil {
		zero(sk1)
		return nil, nil, err
	}
	pk := append(append(make([]byte, 0, len(pk1)+len(pk2)), pk1...), pk2...)
	sk := append(append(make([]byte, 0, len(sk1)+len(sk2)), sk1...), sk2...)
	zero(sk1)
	zero(sk2)
	return pk, sk, nil
}

func (h *hybridSigner) sign(keys *KeyCache, alg string, sk, msg []byte) ([]byte, error) {
	s1, err := h.first.sign(keys, alg+"/0", sk[:h.firstSK], msg)
	if err != nil {
		return nil, err
	}
	s2, err := h.second.sign(keys, alg+"/1", sk[h.firstSK:], msg)
	if err != nil {
		return nil, err
	}
	return append(append(make([]byte, 0, len(s1)+len(s2)), s1...), s2...), nil
}

// verify evaluates both halves unconditionally and requires both.
func (h *hybridSigner) verify(keys *KeyCache, alg string, pk, msg, sig []byte) bool {
	ok1 := h.first.verify(keys, alg+"/0", pk[:h.firstPK], msg, sig[:h.firstSig])
	ok2 := h.second.verify(keys, alg+"/1", pk[h.firstPK:], msg, sig[h.firstSig:])
	return ok1 && ok2
}

// hybridKEM runs both KEMs and combines the two shared secrets with
// HKDF-SHA256 bound to both ciphertexts.
type hybridKEM struct {
	name                     string
	first, second            kemScheme
	firstPK, firstSK, firstCT int
}

func (h *hybridKEM) generate() ([]byte, []byte, error) {
	pk1, sk1, err := h.first.generate()
	if err != nil {
		return nil, nil, err
	}
	pk2, sk2, err := h.second.generate()
	if err != nil {
		zero(sk1)
		return nil, nil, err
	}
	pk := append(append(make([]byte, 0, len(pk1)+len(pk2)), pk1...), pk2...)
	sk := append(append(make([]byte, 0, len(sk1)+len(sk2)), sk1...), sk2...)
	zero(sk1)
	zero(sk2)
	return pk, sk, nil
}

func (h *hybridKEM) encapsulate(keys *KeyCache, alg string, pk []byte) ([]byte, []byte, error) {
	ct1, ss1, err := h.first.encapsulate(keys, alg+"/0", pk[:h.firstPK])
	if err != nil {
		return nil, nil, err
	}
	ct2, ss2, err := h.second.encapsulate(keys, alg+"/1", pk[h.firstPK:])
	if err != nil {
		zero(ss1)
		return nil, nil, err
	}
	ct := append(append(make([]byte, 0, len(ct1)+len(ct2)), ct1...), ct2...)
	ss, err := h.combine(ss1, ss2, ct)
	if err != nil {
		return nil, nil, err
	}
	return ct, ss, nil
}

func (h *hybridKEM) decapsulate(keys *KeyCache, alg string, sk, ct []byte) ([]byte, error) {
	ss1, err := h.first.decapsulate(keys, alg+"/0", sk[:h.firstSK], ct[:h.firstCT])
	if err != nil {
		return nil, err
	}
	ss2, err := h.second.decapsulate(keys, alg+"/1", sk[h.firstSK:], ct[h.firstCT:])
	if err != nil {
		zero(ss1)
		return nil, err
	}
	return h.combine(ss1, ss2, ct)
}

func (h *hybridKEM) combine(ss1, ss2, ct []byte) ([]byte, error) {
	ikm := append(append(make([]byte, 0, len(ss1)+len(ss2)), ss1...), ss2...)
	defer zero(ikm)
	zero(ss1)
	zero(ss2)

	info := append([]byte(h.name), ct...)
	out := make([]byte, sharedSecretSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, nil, info), out); err != nil {
		return nil, fmt.Errorf("derive hybrid secret: %w", err)
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
