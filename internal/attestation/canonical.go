package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalMode is RFC 8949 core deterministic encoding: map keys sorted,
// shortest integer forms, no indefinite lengths.
var canonicalMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("attestation: cbor mode: %v", err))
	}
	return em
}()

// Canonicalize returns the bytes that are signed and verified for r:
// deviceId, timestamp (unix milliseconds), nonce, measurements and
// platformInfo. Signature and verifier annotations are excluded. PCR
// entries are ordered by index.
func Canonicalize(r *Report) ([]byte, error) {
	measurements := make(map[string]any, len(r.Measurements.Hashes)+1)
	for k, v := range r.Measurements.Hashes {
		measurements[k] = v
	}
	pcrs := r.Measurements.SortedPCRs()
	entries := make([]map[string]any, 0, len(pcrs))
	for _, p := range pcrs {
		entries = append(entries, map[string]any{
			"index":     p.Index,
			"algorithm": p.Algorithm,
			"value":     p.Value,
		})
	}
	measurements[pcrValuesKey] = entries

	platform := map[string]any{
		"secureBootEnabled": r.PlatformInfo.SecureBootEnabled,
	}
	optional := []struct{ key, value string }{
		{"bootState", r.PlatformInfo.BootState},
		{"firmwareVersion", r.PlatformInfo.FirmwareVersion},
		{"hardwareVersion", r.PlatformInfo.HardwareVersion},
		{"tpmVersion", r.PlatformInfo.TPMVersion},
	}
	for _, o := range optional {
		if o.value != "" {
			platform[o.key] = o.value
		}
	}

	doc := map[string]any{
		"deviceId":     r.DeviceID,
		"timestamp":    r.Timestamp.UnixMilli(),
		"nonce":        r.Nonce,
		"measurements": measurements,
		"platformInfo": platform,
	}
	out, err := canonicalMode.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return out, nil
}

// Digest returns hex(SHA-256(canonical form)) of r.
func Digest(r *Report) (string, error) {
	b, err := Canonicalize(r)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SubmissionDigest identifies r as submitted: its canonical form together
// with the signature algorithm and signature bytes. Every submission that
// reuses a report id must carry the same submission digest.
func SubmissionDigest(r *Report) (string, error) {
	b, err := Canonicalize(r)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(b)
	h.Write([]byte{0})
	h.Write([]byte(r.SignatureAlgorithm))
	h.Write([]byte{0})
	h.Write(r.Signature)
	return hex.EncodeToString(h.Sum(nil)), nil
}
