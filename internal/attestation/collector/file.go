package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"gopkg.in/yaml.v3"
)

// fileDocument is the on-disk layout of a measurement file. Measurements
// use the report wire shape (named hashes next to pcr_values).
type fileDocument struct {
	Measurements attestation.Measurements `json:"measurements"`
	Platform     attestation.PlatformInfo `json:"platformInfo"`
}

// File reads measurements from a JSON or YAML file on every call, so an
// external measuring agent can refresh it between reports.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Collect(ctx context.Context, _ *attestation.Device, _ []int) (*attestation.Collection, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read measurement file: %w", err)
	}
	doc, err := parseDocument(f.path, data)
	if err != nil {
		return nil, fmt.Errorf("parse measurement file %s: %w", f.path, err)
	}
	return &attestation.Collection{
		Measurements: copyMeasurements(doc.Measurements),
		Platform:     doc.Platform,
		Duration:     time.Since(start),
	}, nil
}

func parseDocument(path string, data []byte) (*fileDocument, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML is normalized through JSON so both formats share the
		// measurement decoding rules.
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, err
		}
		b, err := json.Marshal(generic)
		if err != nil {
			return nil, err
		}
		data = b
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc fileDocument
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
