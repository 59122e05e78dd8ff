package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/client"
	"github.com/aspect-build/pqattest/internal/orchestrator"
	"github.com/aspect-build/pqattest/internal/policy"
	"github.com/aspect-build/pqattest/internal/token"
	"github.com/aspect-build/pqattest/internal/trustgate"
)

func newVerifyCmd() *cobra.Command {
	var (
		keysPath   string
		policyPath string
		input      string
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed report offline against a key file and policy",
		Long: `Run the verifier pipeline locally: validation, signature, policy and
risk scoring. No challenge is consumed, so freshness rests on the
report timestamp alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := newEngine()
			if err != nil {
				return err
			}
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}
			pol := policy.Default()
			if policyPath != "" {
				if pol, err = policy.LoadFile(policyPath); err != nil {
					return err
				}
			}
			data, err := readInput(input)
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			r, err := attestation.DecodeReport(data)
			if err != nil {
				return err
			}
			gate, err := trustgate.New(nil, logger.Named("trustgate"))
			if err != nil {
				return err
			}

			offline := *cfg
			offline.RequireChallenge = false
			o := orchestrator.New(engine,
				orchestrator.WithConfig(&offline),
				orchestrator.WithRegistry(orchestrator.NewMemoryRegistry(&attestation.Device{
					ID:         keys.DeviceID,
					Algorithm:  keys.SignAlgorithm,
					PublicKeys: map[string][]byte{keys.SignAlgorithm: keys.SignPublicKey},
					Status:     attestation.DeviceActive,
				})),
				orchestrator.WithPolicies(policy.NewCatalog(pol)),
				orchestrator.WithTrustGate(gate),
				orchestrator.WithLogger(logger.Named("verify")),
			)
			res, err := o.VerifyAttestationReport(cmd.Context(), r, nil, pol)
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON("", res)
			}
			printVerdict(os.Stdout, &res.VerificationResult, res.Cached)
			if !res.EligibleForTrust {
				return fmt.Errorf("report does not establish trust")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&keysPath, "keys", defaultKeyFile, "Device key file (only the public key is used)")
	cmd.Flags().StringVar(&policyPath, "policy", "", "Policy YAML (default: built-in policy)")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "Signed report")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw result as JSON")

	return cmd
}

func newVerifyTokenCmd() *cobra.Command {
	var (
		serverURL string
		jwksPath  string
		issuer    string
		insecure  bool
	)

	cmd := &cobra.Command{
		Use:   "verify-token <token|->",
		Short: "Check a result token against the verifier's published keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := args[0]
			if raw == "-" {
				data, err := readInput("-")
				if err != nil {
					return err
				}
				raw = string(data)
			}
			raw = strings.TrimSpace(raw)

			ks, err := loadKeySet(cmd, serverURL, jwksPath, insecure)
			if err != nil {
				return err
			}
			claims, err := verifyWithKeySet(raw, ks, issuer)
			if err != nil {
				return err
			}
			fmt.Printf("subject    %s\n", claims.Subject)
			fmt.Printf("report     %s\n", claims.ID)
			fmt.Printf("expires    %s\n", claims.Expiry.Time().Format(time.RFC3339))
			fmt.Printf("risk       %s %s\n", levelFmt(claims.RiskLevel), dimFmt(fmt.Sprintf("(%.3f)", claims.RiskScore)))
			fmt.Printf("trusted    %s\n", mark(claims.EligibleForTrust))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Verifier URL to fetch keys from (or set "+envServerURL+")")
	cmd.Flags().StringVar(&jwksPath, "jwks", "", "Read keys from a JWKS file instead of the server")
	cmd.Flags().StringVar(&issuer, "issuer", token.DefaultIssuer, "Expected iss claim")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Allow plaintext HTTP connection to server")

	return cmd
}

func loadKeySet(cmd *cobra.Command, serverURL, jwksPath string, insecure bool) (*jose.JSONWebKeySet, error) {
	if jwksPath != "" {
		data, err := os.ReadFile(jwksPath)
		if err != nil {
			return nil, fmt.Errorf("read jwks: %w", err)
		}
		var ks jose.JSONWebKeySet
		if err := json.Unmarshal(data, &ks); err != nil {
			return nil, fmt.Errorf("parse jwks: %w", err)
		}
		return &ks, nil
	}
	resolved, err := resolveServerURL(cmd, serverURL)
	if err != nil {
		return nil, err
	}
	c, err := client.New(resolved, insecure, logger.Named("client"))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()
	return c.TokenKeys(ctx)
}

// verifyWithKeySet tries every Ed25519 key in ks, preferring the one whose
// kid matches the token header.
func verifyWithKeySet(raw string, ks *jose.JSONWebKeySet, issuer string) (*token.Claims, error) {
	keys := ks.Keys
	if tok, err := jose.ParseSigned(raw, []jose.SignatureAlgorithm{jose.EdDSA}); err == nil && len(tok.Signatures) > 0 {
		if kid := tok.Signatures[0].Header.KeyID; kid != "" {
			if match := ks.Key(kid); len(match) > 0 {
				keys = match
			}
		}
	}
	var lastErr error = token.ErrInvalidToken
	for _, k := range keys {
		pub, ok := k.Key.(ed25519.PublicKey)
		if !ok {
			continue
		}
		claims, err := token.Verify(raw, pub, issuer, time.Now())
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
