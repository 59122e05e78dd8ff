package pcrsel

import (
	"reflect"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		in   string
		pcrs []int
		str  string
	}{
		{"0,1,2,7", []int{0, 1, 2, 7}, "sha256:0-2,7"},
		{"0-7,14", []int{0, 1, 2, 3, 4, 5, 6, 7, 14}, "sha256:0-7,14"},
		{"SHA256: 7, 0-1 ,1", []int{0, 1, 7}, "sha256:0-1,7"},
		{"sha256:23", []int{23}, "sha256:23"},
	}
	for _, tt := range tests {
		sel, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.in, err)
			continue
		}
		if !reflect.DeepEqual(sel.PCRs, tt.pcrs) {
			t.Errorf("Parse(%q).PCRs = %v, want %v", tt.in, sel.PCRs, tt.pcrs)
		}
		if got := sel.String(); got != tt.str {
			t.Errorf("Parse(%q).String() = %q, want %q", tt.in, got, tt.str)
		}
	}
}

func TestParse_Invalid(t *testing.T) {
	invalids := []string{
		"",
		"sha256:",
		"sha1:0-7",
		"0-24",
		"-1",
		"7-3",
		"0,,1",
		"a-b",
	}
	for _, in := range invalids {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}
