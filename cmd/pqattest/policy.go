package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aspect-build/pqattest/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Work with compliance policy documents",
	}
	cmd.AddCommand(newPolicyLintCmd())
	cmd.AddCommand(newPolicyDefaultCmd())
	return cmd
}

func newPolicyLintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <file|dir>...",
		Short: "Validate policy YAML files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					fmt.Printf("%s %s: %v\n", errFmt("FAIL"), path, err)
					failed++
					continue
				}
				if info.IsDir() {
					policies, err := policy.LoadDir(path)
					if err != nil {
						fmt.Printf("%s %s: %v\n", errFmt("FAIL"), path, err)
						failed++
						continue
					}
					for _, p := range policies {
						fmt.Printf("%s %s %s\n", okFmt("ok"), path, dimFmt("("+p.Name+")"))
					}
					continue
				}
				p, err := policy.LoadFile(path)
				if err != nil {
					fmt.Printf("%s %v\n", errFmt("FAIL"), err)
					failed++
					continue
				}
				fmt.Printf("%s %s %s\n", okFmt("ok"), path, dimFmt("("+p.Name+")"))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d inputs failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func newPolicyDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default",
		Short: "Print the built-in policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := policy.Marshal(policy.Default())
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
}
