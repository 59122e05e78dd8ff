// Package pcrsel parses PCR selections such as "sha256:0-7,14".
package pcrsel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// Selection is a set of PCR indexes in one bank.
//
// Accepted forms:
//
//	0,1,2,7
//	0-7,14
//	sha256:0-7,14
type Selection struct {
	Bank string
	PCRs []int
}

// Parse parses a selection. The bank defaults to sha256, the only bank
// reports carry. Indexes are returned sorted and deduplicated.
func Parse(s string) (Selection, error) {
	body := strings.TrimSpace(s)
	bank := attestation.PCRAlgorithm
	if i := strings.IndexByte(body, ':'); i >= 0 {
		bank = strings.ToLower(strings.TrimSpace(body[:i]))
		body = body[i+1:]
	}
	if bank != attestation.PCRAlgorithm {
		return Selection{}, fmt.Errorf("invalid PCR selection %q: unsupported bank %q", s, bank)
	}
	if strings.TrimSpace(body) == "" {
		return Selection{}, fmt.Errorf("invalid PCR selection %q: no indexes", s)
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		lo, hi, err := parseRange(part)
		if err != nil {
			return Selection{}, fmt.Errorf("invalid PCR selection %q: %w", s, err)
		}
		for i := lo; i <= hi; i++ {
			seen[i] = true
		}
	}
	out := Selection{Bank: bank, PCRs: make([]int, 0, len(seen))}
	for i := range seen {
		out.PCRs = append(out.PCRs, i)
	}
	sort.Ints(out.PCRs)
	return out, nil
}

func parseRange(part string) (int, int, error) {
	if part == "" {
		return 0, 0, fmt.Errorf("empty element")
	}
	loStr, hiStr, isRange := strings.Cut(part, "-")
	lo, err := parseIndex(loStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	hi, err := parseIndex(hiStr)
	if err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("range %q is reversed", part)
	}
	return lo, hi, nil
}

func parseIndex(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("index %q is not a number", v)
	}
	if n < 0 || n >= attestation.PCRCount {
		return 0, fmt.Errorf("index %d out of range 0..%d", n, attestation.PCRCount-1)
	}
	return n, nil
}

// String renders the selection compactly, folding runs into ranges.
func (s Selection) String() string {
	var b strings.Builder
	bank := s.Bank
	if bank == "" {
		bank = attestation.PCRAlgorithm
	}
	b.WriteString(bank)
	b.WriteByte(':')
	for i := 0; i < len(s.PCRs); {
		j := i
		for j+1 < len(s.PCRs) && s.PCRs[j+1] == s.PCRs[j]+1 {
			j++
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(s.PCRs[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(s.PCRs[j]))
		}
		i = j + 1
	}
	return b.String()
}
