package db

import (
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
)

// ReportSummary is the indexed view of a stored report.
type ReportSummary struct {
	ReportID   string                `json:"reportId"`
	DeviceID   string                `json:"deviceId"`
	ReportedAt time.Time             `json:"reportedAt"`
	Status     attestation.Status    `json:"status"`
	Policy     string                `json:"policy,omitempty"`
	Compliant  bool                  `json:"compliant"`
	RiskScore  float64               `json:"riskScore"`
	RiskLevel  attestation.RiskLevel `json:"riskLevel,omitempty"`
	UpdatedAt  time.Time             `json:"updatedAt"`
}

// PolicyRecord is a stored policy document.
type PolicyRecord struct {
	Name      string    `json:"name"`
	Document  string    `json:"document"`
	UpdatedAt time.Time `json:"updatedAt"`
}
