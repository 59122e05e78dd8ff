package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/attestation/collector"
	"github.com/aspect-build/pqattest/internal/client"
	"github.com/aspect-build/pqattest/internal/pcrsel"
)

type collectorFlags struct {
	source   string
	file     string
	endpoint string
	tpmPath  string
	pcrs     string
	secure   bool
}

func (f *collectorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.source, "source", "file", "Measurement source: file|dstack|tpm")
	cmd.Flags().StringVar(&f.file, "measurements", "measurements.yaml", "Measurement file for --source file")
	cmd.Flags().StringVar(&f.endpoint, "dstack-endpoint", "", "dstack agent endpoint for --source dstack (default: SDK default)")
	cmd.Flags().StringVar(&f.tpmPath, "tpm", "/dev/tpmrm0", "TPM device for --source tpm")
	cmd.Flags().BoolVar(&f.secure, "secure-boot", false, "Report secure boot as enabled for --source tpm")
	cmd.Flags().StringVar(&f.pcrs, "pcrs", "sha256:0-7", "PCR selection to read")
}

func (f *collectorFlags) build() (attestation.Collector, []int, error) {
	sel, err := pcrsel.Parse(f.pcrs)
	if err != nil {
		return nil, nil, err
	}
	switch f.source {
	case "file":
		return collector.NewFile(f.file), sel.PCRs, nil
	case "dstack":
		return collector.NewDstack(f.endpoint), sel.PCRs, nil
	case "tpm":
		return collector.NewTPM(f.tpmPath, attestation.PlatformInfo{SecureBootEnabled: f.secure}), sel.PCRs, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q (expected file|dstack|tpm)", f.source)
	}
}

func newCollectCmd() *cobra.Command {
	var (
		cf       collectorFlags
		keysPath string
		nonce    string
		output   string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect measurements into an unsigned report",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}
			col, pcrs, err := cf.build()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			coll, err := col.Collect(ctx, &attestation.Device{ID: keys.DeviceID}, pcrs)
			if err != nil {
				return fmt.Errorf("collect measurements: %w", err)
			}
			r := attestation.NewReport(keys.DeviceID, nonce, time.Now(), coll.Measurements, coll.Platform)
			fmt.Fprintf(os.Stderr, "%s %d PCRs, %d named hashes in %s\n",
				okFmt("collected"), len(coll.Measurements.PCRValues), len(coll.Measurements.Hashes), coll.Duration.Round(time.Millisecond))
			return writeJSON(output, r)
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&keysPath, "keys", defaultKeyFile, "Device key file")
	cmd.Flags().StringVar(&nonce, "nonce", "", "Verifier nonce (hex)")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output path for the report")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Collection timeout")
	_ = cmd.MarkFlagRequired("nonce")

	return cmd
}

func newSignCmd() *cobra.Command {
	var keysPath, input, output string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a collected report with the device key",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}
			data, err := readInput(input)
			if err != nil {
				return fmt.Errorf("read report: %w", err)
			}
			r, err := attestation.DecodeReport(data)
			if err != nil {
				return err
			}
			if r.DeviceID != keys.DeviceID {
				return fmt.Errorf("report is for device %s, key file is for %s", r.DeviceID, keys.DeviceID)
			}
			if err := attestation.Sign(engine, r, keys.SignSecretKey, keys.SignAlgorithm); err != nil {
				return err
			}
			return writeJSON(output, r)
		},
	}

	cmd.Flags().StringVar(&keysPath, "keys", defaultKeyFile, "Device key file")
	cmd.Flags().StringVarP(&input, "input", "i", "-", "Report to sign")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output path for the signed report")

	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		cf        collectorFlags
		serverURL string
		keysPath  string
		insecure  bool
		tokenOut  string
		jsonOut   bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run one attestation round: challenge, collect, sign, submit",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveServerURL(cmd, serverURL)
			if err != nil {
				return err
			}
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			keys, err := loadKeys(keysPath)
			if err != nil {
				return err
			}
			col, pcrs, err := cf.build()
			if err != nil {
				return err
			}
			c, err := client.New(resolved, insecure, logger.Named("client"))
			if err != nil {
				return err
			}

			_, res, err := c.Attest(cmd.Context(), engine, keys, col, pcrs)
			if err != nil {
				return err
			}
			if tokenOut != "" && res.Token != "" {
				if err := os.WriteFile(tokenOut, []byte(res.Token+"\n"), 0o600); err != nil {
					return fmt.Errorf("write token: %w", err)
				}
			}
			if jsonOut {
				return writeJSON("", res)
			}
			printVerdict(os.Stdout, &res.VerificationResult, res.Cached)
			if !res.EligibleForTrust {
				return fmt.Errorf("device is not eligible for trust")
			}
			return nil
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVar(&serverURL, "server", "", "Verifier URL (or set "+envServerURL+")")
	cmd.Flags().StringVar(&keysPath, "keys", defaultKeyFile, "Device key file")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Allow plaintext HTTP connection to server")
	cmd.Flags().StringVar(&tokenOut, "token-out", "", "Write the result token to this file")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw result as JSON")

	return cmd
}
