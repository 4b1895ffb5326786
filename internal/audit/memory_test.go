package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/models"
)

func appendRecord(t *testing.T, s *MemoryStore, digest string, level models.RiskLevel, status models.ExternalStatus, verified bool) *models.AuditRecord {
	t.Helper()
	record := &models.AuditRecord{
		SessionID:         uuid.New(),
		SubjectDigest:     digest,
		SubjectToken:      "subj_aabbccddeeff0011",
		FinalStage:        models.StageReported,
		OverallLevel:      level,
		ConfidenceScore:   0.6,
		ExternalStatus:    status,
		AnonymityVerified: verified,
		StartedAt:         time.Now(),
		CompletedAt:       time.Now(),
	}
	if err := s.Append(context.Background(), record); err != nil {
		t.Fatalf("appending record: %v", err)
	}
	return record
}

func TestMemoryStore_AppendAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	record := appendRecord(t, s, "digest-a", models.RiskMedium, models.ExternalSkipped, false)

	if record.ID == uuid.Nil {
		t.Fatal("append did not assign an ID")
	}

	got, err := s.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("getting record: %v", err)
	}
	if got == nil {
		t.Fatal("record not found after append")
	}
	if got.SubjectDigest != "digest-a" {
		t.Errorf("digest = %s, want digest-a", got.SubjectDigest)
	}

	missing, err := s.Get(ctx, uuid.New())
	if err != nil {
		t.Fatalf("getting missing record: %v", err)
	}
	if missing != nil {
		t.Error("unknown ID returned a record")
	}
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)
	appendRecord(t, s, "digest-a", models.RiskHigh, models.ExternalUsed, true)
	appendRecord(t, s, "digest-b", models.RiskHigh, models.ExternalUsed, true)

	level := models.RiskHigh
	records, total, err := s.List(ctx, ListFilters{OverallLevel: &level})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if total != 2 || len(records) != 2 {
		t.Errorf("high-level records = %d (total %d), want 2", len(records), total)
	}

	digest := "digest-a"
	records, total, err = s.List(ctx, ListFilters{SubjectDigest: &digest, Limit: 1})
	if err != nil {
		t.Fatalf("listing with limit: %v", err)
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	if len(records) != 1 {
		t.Errorf("limited records = %d, want 1", len(records))
	}
	// Newest first.
	if records[0].OverallLevel != models.RiskHigh {
		t.Errorf("first record level = %s, want the newest (HIGH)", records[0].OverallLevel)
	}

	records, total, err = s.List(ctx, ListFilters{Offset: 10})
	if err != nil {
		t.Fatalf("listing past the end: %v", err)
	}
	if total != 3 || len(records) != 0 {
		t.Errorf("offset past end: got %d records (total %d), want 0 (total 3)", len(records), total)
	}
}

func TestMemoryStore_SubjectSummary(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)
	appendRecord(t, s, "digest-a", models.RiskHigh, models.ExternalUsed, true)

	summary, err := s.SubjectSummary(ctx, "digest-a")
	if err != nil {
		t.Fatalf("summarizing: %v", err)
	}
	if summary.TotalAnalyses != 2 {
		t.Errorf("total analyses = %d, want 2", summary.TotalAnalyses)
	}
	if summary.LastLevel != models.RiskHigh {
		t.Errorf("last level = %s, want HIGH", summary.LastLevel)
	}
	if summary.ByRiskLevel["HIGH"] != 1 || summary.ByRiskLevel["LOW"] != 1 {
		t.Errorf("level histogram = %v", summary.ByRiskLevel)
	}
	if summary.LastAnalyzedAt == nil {
		t.Error("LastAnalyzedAt not set")
	}

	empty, err := s.SubjectSummary(ctx, "digest-unknown")
	if err != nil {
		t.Fatalf("summarizing unknown digest: %v", err)
	}
	if empty.TotalAnalyses != 0 {
		t.Errorf("unknown digest total = %d, want 0", empty.TotalAnalyses)
	}
}

func TestMemoryStore_ComplianceReport(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)
	appendRecord(t, s, "digest-a", models.RiskHigh, models.ExternalUsed, true)
	blocked := appendRecord(t, s, "digest-b", models.RiskMedium, models.ExternalBlocked, false)
	_ = blocked

	report, err := s.ComplianceReport(ctx, time.Time{})
	if err != nil {
		t.Fatalf("compiling report: %v", err)
	}
	if report.TotalAnalyses != 3 {
		t.Errorf("total = %d, want 3", report.TotalAnalyses)
	}
	if report.AnonymityVerifiedCount != 1 {
		t.Errorf("verified = %d, want 1", report.AnonymityVerifiedCount)
	}
	if report.ExternalUsage[string(models.ExternalUsed)] != 1 {
		t.Errorf("external usage = %v", report.ExternalUsage)
	}
	if report.ZeroLeakConfirmed {
		t.Error("zero-leak confirmed despite a blocked record without the ViolationBlocked flag")
	}
}

func TestMemoryStore_ComplianceZeroLeak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)
	appendRecord(t, s, "digest-a", models.RiskHigh, models.ExternalUsed, true)

	blocked := &models.AuditRecord{
		SessionID:        uuid.New(),
		SubjectDigest:    "digest-b",
		SubjectToken:     "subj_aabbccddeeff0011",
		FinalStage:       models.StageReported,
		OverallLevel:     models.RiskMedium,
		ExternalStatus:   models.ExternalBlocked,
		ViolationBlocked: true,
		ViolationDetail:  "note blocked by rule PERSON_NAME",
		StartedAt:        time.Now(),
		CompletedAt:      time.Now(),
	}
	if err := s.Append(ctx, blocked); err != nil {
		t.Fatalf("appending blocked record: %v", err)
	}

	report, err := s.ComplianceReport(ctx, time.Time{})
	if err != nil {
		t.Fatalf("compiling report: %v", err)
	}
	if !report.ZeroLeakConfirmed {
		t.Errorf("zero-leak not confirmed: verified %d, blocked %d, usage %v, total %d",
			report.AnonymityVerifiedCount, report.OutboundViolationsBlocked,
			report.ExternalUsage, report.TotalAnalyses)
	}
	if report.OutboundViolationsBlocked != 1 {
		t.Errorf("blocked = %d, want 1", report.OutboundViolationsBlocked)
	}
}

func TestMemoryStore_PurgeOlderThan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)
	appendRecord(t, s, "digest-a", models.RiskLow, models.ExternalSkipped, false)

	purged, err := s.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if purged != 0 {
		t.Errorf("purged %d recent records, want 0", purged)
	}

	purged, err = s.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if purged != 2 {
		t.Errorf("purged = %d, want 2", purged)
	}

	_, total, err := s.List(ctx, ListFilters{})
	if err != nil {
		t.Fatalf("listing after purge: %v", err)
	}
	if total != 0 {
		t.Errorf("records remaining after purge = %d, want 0", total)
	}
}
