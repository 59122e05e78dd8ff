package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newAlgorithmsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "List the enabled algorithms and their sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := newEngine()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tLEVEL\tPUBLIC\tSECRET\tCT/SIG\tALIASES")
			for _, s := range engine.Registry().Specs() {
				name := s.Name
				if !s.Implemented {
					name += " " + warnFmt("(not implemented)")
				}
				size := s.SignatureSize
				if size == 0 {
					size = s.CiphertextSize
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					name, s.Kind, s.SecurityLevel, s.PublicKeySize, s.SecretKeySize, size, strings.Join(s.Aliases, ","))
			}
			return w.Flush()
		},
	}
}
