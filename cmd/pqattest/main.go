package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aspect-build/pqattest/internal/config"
	"github.com/aspect-build/pqattest/internal/crypto"
	"github.com/aspect-build/pqattest/internal/logx"
	"github.com/aspect-build/pqattest/internal/version"
)

const envServerURL = "PQATTEST_SERVER_URL"

var (
	logLevel string
	verbose  bool
	logger   = zap.NewNop()
)

// resolveServerURL returns the server URL from the flag or PQATTEST_SERVER_URL.
func resolveServerURL(cmd *cobra.Command, flagValue string) (string, error) {
	if cmd.Flags().Changed("server") {
		return strings.TrimRight(flagValue, "/"), nil
	}
	if v := os.Getenv(envServerURL); v != "" {
		logger.Warn("using server URL from environment", zap.String("env", envServerURL))
		return strings.TrimRight(v, "/"), nil
	}
	return "", fmt.Errorf("server URL required: use --server flag or set %s", envServerURL)
}

// newEngine builds the crypto engine from PQATTEST_CONFIG and env so the
// CLI honors the same algorithm allow-list as the verifier.
func newEngine() (*crypto.Engine, *config.Config, error) {
	cfg := config.Default()
	if path := os.Getenv("PQATTEST_CONFIG"); path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	engine, err := cfg.Engine(crypto.WithLogger(logger.Named("crypto")))
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "pqattest",
		Short:   "Post-quantum device attestation: keys, reports and verification",
		Version: version.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logx.Configure(logLevel, verbose)
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate(version.String("pqattest") + "\n")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (or PQATTEST_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose debug logs (same as --log-level debug)")

	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newCollectCmd())
	rootCmd.AddCommand(newSignCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newVerifyTokenCmd())
	rootCmd.AddCommand(newPolicyCmd())
	rootCmd.AddCommand(newAlgorithmsCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errFmt("error:"), err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String("pqattest"))
		},
	}
}
