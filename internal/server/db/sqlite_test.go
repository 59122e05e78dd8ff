package db

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/pqattest/internal/attestation"
	"github.com/aspect-build/pqattest/internal/audit"
	"github.com/aspect-build/pqattest/internal/policy"
)

const testDeviceID = "0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDevice(id string) *attestation.Device {
	return &attestation.Device{
		ID:         id,
		Algorithm:  "ml-dsa-87",
		PublicKeys: map[string][]byte{"ml-dsa-87": []byte("pk-mldsa"), "ed25519": []byte("pk-ed")},
		PolicyRef:  "default",
		Status:     attestation.DeviceProvisioned,
	}
}

func TestDeviceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := testDevice(testDeviceID)
	d.KEMAlgorithm = "ml-kem-768"
	d.KEMPublicKey = []byte("kem-pk")
	if err := s.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	got, err := s.Device(ctx, testDeviceID)
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if got == nil {
		t.Fatal("Device returned nil")
	}
	if got.Algorithm != "ml-dsa-87" || got.Status != attestation.DeviceProvisioned || got.PolicyRef != "default" {
		t.Errorf("got device %+v", got)
	}
	if !bytes.Equal(got.PublicKey("ml-dsa-87"), []byte("pk-mldsa")) || len(got.PublicKeys) != 2 {
		t.Errorf("public keys = %v", got.PublicKeys)
	}
	if got.KEMAlgorithm != "ml-kem-768" || !bytes.Equal(got.KEMPublicKey, []byte("kem-pk")) {
		t.Errorf("kem = %q %q", got.KEMAlgorithm, got.KEMPublicKey)
	}

	// Duplicate
	if err := s.CreateDevice(ctx, testDevice(testDeviceID)); !errors.Is(err, ErrDeviceDuplicate) {
		t.Fatalf("expected ErrDeviceDuplicate, got %v", err)
	}

	// Not found
	got, err = s.Device(ctx, strings.Repeat("f", 32))
	if err != nil {
		t.Fatalf("Device: %v", err)
	}
	if got != nil {
		t.Fatal("expected nil for unknown device")
	}
}

func TestDeviceInvalidStatus(t *testing.T) {
	s := newTestStore(t)
	d := testDevice(testDeviceID)
	d.Status = "trusted-forever"
	if err := s.CreateDevice(context.Background(), d); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestListDevicesAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := []string{strings.Repeat("a", 32), strings.Repeat("b", 32)}
	for i, id := range ids {
		d := testDevice(id)
		d.CreatedAt = time.Date(2025, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice: %v", err)
		}
	}

	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != ids[0] || devices[1].ID != ids[1] {
		t.Fatalf("ListDevices = %+v", devices)
	}
	if len(devices[1].PublicKeys) != 2 {
		t.Fatalf("keys not loaded: %v", devices[1].PublicKeys)
	}

	if err := s.UpdateDeviceStatus(ctx, ids[0], attestation.DeviceRevoked); err != nil {
		t.Fatalf("UpdateDeviceStatus: %v", err)
	}
	got, _ := s.Device(ctx, ids[0])
	if got.Status != attestation.DeviceRevoked {
		t.Fatalf("status = %s", got.Status)
	}
	if err := s.UpdateDeviceStatus(ctx, strings.Repeat("c", 32), attestation.DeviceActive); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
	if err := s.UpdateDeviceStatus(ctx, ids[0], "bogus"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestPutDeviceKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateDevice(ctx, testDevice(testDeviceID)); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDeviceKey(ctx, testDeviceID, "ed25519", []byte("rotated")); err != nil {
		t.Fatalf("PutDeviceKey: %v", err)
	}
	got, _ := s.Device(ctx, testDeviceID)
	if string(got.PublicKey("ed25519")) != "rotated" {
		t.Fatalf("key = %q", got.PublicKey("ed25519"))
	}
	if err := s.PutDeviceKey(ctx, strings.Repeat("9", 32), "ed25519", []byte("x")); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestPolicies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Built-in default without a stored document
	p, err := s.Policy(ctx, "")
	if err != nil {
		t.Fatalf("Policy(default): %v", err)
	}
	if p.Name != policy.DefaultName {
		t.Fatalf("name = %q", p.Name)
	}

	if _, err := s.Policy(ctx, "meters"); !errors.Is(err, policy.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	meters := policy.Default()
	meters.Name = "meters"
	meters.RequiredPCRs = []int{0, 7}
	meters.MinPCRCount = 2
	meters.Baselines = map[int]string{0: strings.Repeat("A", 64)}
	if err := s.PutPolicy(ctx, meters); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}
	got, err := s.Policy(ctx, "meters")
	if err != nil {
		t.Fatalf("Policy: %v", err)
	}
	if len(got.RequiredPCRs) != 2 || got.Baselines[0] != strings.Repeat("a", 64) {
		t.Fatalf("got policy %+v", got)
	}

	bad := policy.Default()
	bad.Name = "bad"
	bad.RequiredPCRs = []int{42}
	if err := s.PutPolicy(ctx, bad); !errors.Is(err, policy.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}

	n, err := s.SeedPolicies(ctx, []*policy.Policy{meters, policy.Default()})
	if err != nil {
		t.Fatalf("SeedPolicies: %v", err)
	}
	if n != 1 {
		t.Fatalf("seeded %d, want 1", n)
	}
	records, err := s.ListPolicies(ctx)
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	if len(records) != 2 || records[0].Name != "default" || records[1].Name != "meters" {
		t.Fatalf("ListPolicies = %+v", records)
	}
}

func testReport(id string) *attestation.Report {
	m := attestation.Measurements{
		Hashes: map[string]string{attestation.FirmwareHash: strings.Repeat("a", 64)},
		PCRValues: []attestation.PCRValue{
			{Index: 0, Value: strings.Repeat("0", 64), Algorithm: attestation.PCRAlgorithm},
		},
	}
	r := attestation.NewReport(testDeviceID, strings.Repeat("e", 32),
		time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), m, attestation.PlatformInfo{SecureBootEnabled: true})
	r.ID = id
	r.Signature = []byte("sig")
	r.SignatureAlgorithm = "ml-dsa-87"
	return r
}

func TestReports(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveReport(ctx, testReport("r1")); !errors.Is(err, ErrReportDeviceUnknown) {
		t.Fatalf("expected ErrReportDeviceUnknown, got %v", err)
	}
	if err := s.CreateDevice(ctx, testDevice(testDeviceID)); err != nil {
		t.Fatal(err)
	}

	r := testReport("r1")
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	res := &attestation.VerificationResult{
		ReportID:        "r1",
		SignatureValid:  true,
		PolicyCompliant: true,
		Policy:          "default",
		PolicyScore:     1,
		RiskAssessment:  attestation.RiskAssessment{Score: 0.1, Level: attestation.RiskLow},
	}
	if err := r.Annotate(res); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if err := s.SaveReport(ctx, r); err != nil {
		t.Fatalf("SaveReport (annotated): %v", err)
	}

	got, err := s.Report(ctx, "r1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got == nil || got.ID != "r1" || got.VerificationStatus != "" || got.RiskAssessment != nil {
		t.Fatalf("Report = %+v", got)
	}
	if got.Stage() != attestation.StageTransmitted {
		t.Fatalf("stage = %s", got.Stage())
	}
	if !got.Timestamp.Equal(r.Timestamp) || string(got.Signature) != "sig" {
		t.Fatalf("payload mismatch: %+v", got)
	}

	annotated, err := s.AnnotatedReport(ctx, "r1")
	if err != nil {
		t.Fatalf("AnnotatedReport: %v", err)
	}
	if annotated.VerificationStatus != attestation.StatusVerified || annotated.RiskAssessment.Level != attestation.RiskLow {
		t.Fatalf("annotations lost: %+v", annotated)
	}

	summaries, err := s.ListReports(ctx, testDeviceID, 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Status != attestation.StatusVerified || !summaries[0].Compliant {
		t.Fatalf("ListReports = %+v", summaries)
	}

	missing, err := s.Report(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("Report(nope) = %v, %v", missing, err)
	}
}

func TestSaveReportConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateDevice(ctx, testDevice(testDeviceID)); err != nil {
		t.Fatal(err)
	}
	orig := testReport("r1")
	if err := s.SaveReport(ctx, orig); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	tampered := testReport("r1")
	tampered.Measurements.Hashes[attestation.FirmwareHash] = strings.Repeat("e", 64)
	resigned := testReport("r1")
	resigned.Signature = []byte("other")
	for name, r := range map[string]*attestation.Report{"content": tampered, "signature": resigned} {
		t.Run(name, func(t *testing.T) {
			if err := s.SaveReport(ctx, r); !errors.Is(err, ErrReportConflict) {
				t.Fatalf("expected ErrReportConflict, got %v", err)
			}
		})
	}

	got, err := s.Report(ctx, "r1")
	if err != nil || got == nil {
		t.Fatalf("Report = %v, %v", got, err)
	}
	if got.Measurements.Hashes[attestation.FirmwareHash] != orig.Measurements.Hashes[attestation.FirmwareHash] || string(got.Signature) != "sig" {
		t.Fatalf("stored report overwritten: %+v", got)
	}

	// The same submission may still be re-annotated.
	if err := orig.Annotate(&attestation.VerificationResult{ReportID: "r1", SignatureValid: true, PolicyCompliant: true}); err != nil {
		t.Fatalf("Annotate: %v", err)
	}
	if err := s.SaveReport(ctx, orig); err != nil {
		t.Fatalf("SaveReport (annotated): %v", err)
	}
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var sink audit.Sink = s
	e1 := audit.NewEvent(audit.EventChallengeIssued, testDeviceID, "", "issued")
	e1.At = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e2 := audit.NewEvent(audit.EventReportVerified, testDeviceID, "r1", "verified").With("risk_level", "low")
	e2.At = e1.At.Add(time.Second)
	e3 := audit.NewEvent(audit.EventBulkVerified, "", "", "done")
	for _, e := range []audit.Event{e1, e2, e3} {
		if err := sink.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, err := s.AuditEvents(ctx, testDeviceID, 0)
	if err != nil {
		t.Fatalf("AuditEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != audit.EventReportVerified || events[0].Detail["risk_level"] != "low" {
		t.Fatalf("newest event = %+v", events[0])
	}

	all, err := s.AuditEvents(ctx, "", 1)
	if err != nil {
		t.Fatalf("AuditEvents: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("limit ignored: %d events", len(all))
	}
}
