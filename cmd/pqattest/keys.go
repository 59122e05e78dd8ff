package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aspect-build/pqattest/internal/client"
	"github.com/aspect-build/pqattest/internal/crypto"
)

const defaultKeyFile = "device.json"

func newKeygenCmd() *cobra.Command {
	var (
		output   string
		deviceID string
		signAlg  string
		kemAlg   string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device identity (signing and KEM key pairs)",
		Long: `Generate a fresh device key file and print the registration body for
POST /v1/devices. Secret keys are sealed with PQATTEST_MASTER_KEY when it
is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(output, deviceID, signAlg, kemAlg)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", defaultKeyFile, "Output path for the key file")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device id (32 lowercase hex; random when empty)")
	cmd.Flags().StringVar(&signAlg, "algorithm", crypto.MLDSA87, "Signature algorithm")
	cmd.Flags().StringVar(&kemAlg, "kem", crypto.MLKEM768, "KEM algorithm for sealed challenges (empty to skip)")

	return cmd
}

func keygen(output, deviceID, signAlg, kemAlg string) error {
	engine, _, err := newEngine()
	if err != nil {
		return err
	}
	master, err := client.MasterKeyFromEnv()
	if err != nil {
		return err
	}
	if _, err := os.Stat(output); err == nil {
		return fmt.Errorf("%s already exists", output)
	}

	kf, err := client.GenerateKeyFile(engine, deviceID, signAlg, kemAlg)
	if err != nil {
		return err
	}
	if err := kf.Save(output, master); err != nil {
		return err
	}

	state := warnFmt("unsealed (set " + client.EnvMasterKey + " to seal)")
	if master != nil {
		state = okFmt("sealed")
	}
	fmt.Fprintf(os.Stderr, "Wrote %s, secret keys %s\n", output, state)
	fmt.Fprintf(os.Stderr, "Device ID : %s\n\n", kf.DeviceID)
	fmt.Fprintf(os.Stderr, "Register this device with POST /v1/devices:\n")

	reg := map[string]any{
		"id":        kf.DeviceID,
		"algorithm": kf.SignAlgorithm,
		"publicKey": kf.SignPublicKey,
	}
	if kf.KEMAlgorithm != "" {
		reg["kemAlgorithm"] = kf.KEMAlgorithm
		reg["kemPublicKey"] = kf.KEMPublicKey
	}
	return writeJSON("", reg)
}

func loadKeys(path string) (*client.KeyFile, error) {
	master, err := client.MasterKeyFromEnv()
	if err != nil {
		return nil, err
	}
	return client.LoadKeyFile(path, master)
}
