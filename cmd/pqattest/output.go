package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/aspect-build/pqattest/internal/attestation"
)

var (
	okFmt   = color.New(color.FgGreen, color.Bold).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

func mark(ok bool) string {
	if ok {
		return okFmt("yes")
	}
	return errFmt("no")
}

func levelFmt(l attestation.RiskLevel) string {
	switch l {
	case attestation.RiskLow:
		return okFmt(string(l))
	case attestation.RiskMedium:
		return warnFmt(string(l))
	default:
		return errFmt(string(l))
	}
}

// printVerdict writes a human summary of res to w.
func printVerdict(w io.Writer, res *attestation.VerificationResult, cached bool) {
	fmt.Fprintf(w, "report     %s\n", res.ReportID)
	fmt.Fprintf(w, "device     %s\n", res.DeviceID)
	sig := mark(res.SignatureValid)
	if res.SignatureReason != "" {
		sig += " " + dimFmt("("+res.SignatureReason+")")
	}
	fmt.Fprintf(w, "signature  %s\n", sig)
	fmt.Fprintf(w, "policy     %s %s\n", mark(res.PolicyCompliant), dimFmt(fmt.Sprintf("(%s, score %.3f)", res.Policy, res.PolicyScore)))
	fmt.Fprintf(w, "risk       %s %s\n", levelFmt(res.RiskAssessment.Level), dimFmt(fmt.Sprintf("(%.3f)", res.RiskAssessment.Score)))
	for _, v := range res.Violations {
		fmt.Fprintf(w, "  %s %s: %s\n", warnFmt("!"), v.Rule, v.Description)
	}
	trusted := mark(res.EligibleForTrust)
	if res.TrustReason != "" {
		trusted += " " + dimFmt("("+res.TrustReason+")")
	}
	fmt.Fprintf(w, "trusted    %s\n", trusted)
	if cached {
		fmt.Fprintf(w, "%s\n", dimFmt("served from cache"))
	}
}

// writeJSON writes v as indented JSON to path, or stdout when path is
// empty or "-".
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
