package tokenizer

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := NewSession()
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return s
}

func TestTokenizeIdentifier_Deterministic(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	tok1, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing: %v", err)
	}
	tok2, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing again: %v", err)
	}

	if tok1 != tok2 {
		t.Errorf("same value in same session produced different tokens: %s vs %s", tok1, tok2)
	}
	if !strings.HasPrefix(string(tok1), "subj_") {
		t.Errorf("subject token missing type prefix: %s", tok1)
	}
	if strings.Contains(string(tok1), "4821") {
		t.Errorf("token leaks raw value fragment: %s", tok1)
	}
}

func TestTokenizeIdentifier_SessionIsolation(t *testing.T) {
	s1 := newTestSession(t)
	defer s1.Destroy()
	s2 := newTestSession(t)
	defer s2.Destroy()

	tok1, err := TokenizeIdentifier(s1, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing in first session: %v", err)
	}
	tok2, err := TokenizeIdentifier(s2, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing in second session: %v", err)
	}

	if tok1 == tok2 {
		t.Errorf("same value in different sessions produced identical token %s", tok1)
	}
}

func TestTokenizeIdentifier_Empty(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	for _, raw := range []string{"", "   ", "\t\n"} {
		if _, err := TokenizeIdentifier(s, raw); err == nil {
			t.Errorf("expected error for blank identifier %q", raw)
		}
	}
}

func TestSession_Lookup(t *testing.T) {
	s := newTestSession(t)

	tok, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing: %v", err)
	}

	raw, ok := s.Lookup(tok)
	if !ok || raw != "STU-4821" {
		t.Fatalf("Lookup(%s) = %q, %v; want STU-4821, true", tok, raw, ok)
	}

	if _, ok := s.Lookup("subj_0000000000000000"); ok {
		t.Error("lookup of unknown token succeeded")
	}
}

func TestSession_Destroy(t *testing.T) {
	s := newTestSession(t)

	tok, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing: %v", err)
	}

	s.Destroy()

	if !s.Destroyed() {
		t.Fatal("session not marked destroyed")
	}
	if _, ok := s.Lookup(tok); ok {
		t.Error("lookup succeeded after destroy")
	}
	if _, err := TokenizeIdentifier(s, "STU-9999"); err == nil {
		t.Error("tokenizing succeeded after destroy")
	}
}

func TestTokenizeCategory_BandAffectsToken(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	low, err := TokenizeCategory(s, models.DomainBehavioral, "aggression", models.FrequencyBandLow)
	if err != nil {
		t.Fatalf("tokenizing low band: %v", err)
	}
	high, err := TokenizeCategory(s, models.DomainBehavioral, "aggression", models.FrequencyBandHigh)
	if err != nil {
		t.Fatalf("tokenizing high band: %v", err)
	}

	if low == high {
		t.Error("different frequency bands produced the same token")
	}
}

func TestTokenizeCategory_UnknownDomain(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	if _, err := TokenizeCategory(s, models.Domain("medical"), "allergy", models.FrequencyBandLow); err == nil {
		t.Error("expected error for unknown domain")
	}
}

func TestMagnitudeBand(t *testing.T) {
	tests := []struct {
		count int
		want  models.FrequencyBand
	}{
		{0, models.FrequencyBandLow},
		{1, models.FrequencyBandLow},
		{2, models.FrequencyBandMedium},
		{4, models.FrequencyBandMedium},
		{5, models.FrequencyBandHigh},
		{12, models.FrequencyBandHigh},
	}

	for _, tt := range tests {
		if got := MagnitudeBand(tt.count); got != tt.want {
			t.Errorf("MagnitudeBand(%d) = %s, want %s", tt.count, got, tt.want)
		}
	}
}

func TestRateBand(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0.95, "HIGH"},
		{0.90, "HIGH"},
		{0.80, "MEDIUM"},
		{0.75, "MEDIUM"},
		{0.60, "LOW"},
	}

	for _, tt := range tests {
		if got := RateBand(tt.rate); got != tt.want {
			t.Errorf("RateBand(%.2f) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

func TestWeekOffset(t *testing.T) {
	ref := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		at   time.Time
		want int
	}{
		{ref, 0},
		{ref.AddDate(0, 0, -3), 0},
		{ref.AddDate(0, 0, -7), 1},
		{ref.AddDate(0, 0, -20), 2},
		{ref.AddDate(0, 0, 5), 0}, // future dates clamp to the current week
	}

	for _, tt := range tests {
		if got := WeekOffset(ref, tt.at); got != tt.want {
			t.Errorf("WeekOffset(ref, %s) = %d, want %d", tt.at.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestCreateSnapshot_NoRawValues(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	ref := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	records := models.DomainRecordSet{
		Behavioral: []models.BehavioralIncident{
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -2), Severity: 4},
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -9), Severity: 3},
		},
		Academic: []models.AssessmentRecord{
			{Subject: "mathematics", AssessedAt: ref.AddDate(0, 0, -5), Level: 3, Benchmark: 5},
		},
		Communication: []models.CommunicationRecord{
			{Source: "form-tutor", SentAt: ref.AddDate(0, 0, -1), Urgency: 5},
		},
		Attendance: []models.AttendanceRecord{
			{WeekStarting: ref.AddDate(0, 0, -7), Rate: 0.62},
		},
	}

	subjectTok, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing subject: %v", err)
	}

	snap, err := CreateSnapshot(s, subjectTok, records, ref, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("creating snapshot: %v", err)
	}

	if snap.SkippedRecords != 0 {
		t.Errorf("SkippedRecords = %d, want 0", snap.SkippedRecords)
	}
	if got := snap.DomainCounts[models.DomainBehavioral]; got != 2 {
		t.Errorf("behavioral count = %d, want 2", got)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshaling snapshot: %v", err)
	}
	serialized := string(data)
	for _, raw := range []string{"STU-4821", "aggression", "mathematics", "form-tutor"} {
		if strings.Contains(serialized, raw) {
			t.Errorf("serialized snapshot contains raw value %q", raw)
		}
	}
}

func TestCreateSnapshot_WindowBoundsFrequencyBand(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	ref := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)
	records := models.DomainRecordSet{
		Behavioral: []models.BehavioralIncident{
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -2), Severity: 3},
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -10), Severity: 3},
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -70), Severity: 3},
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -75), Severity: 3},
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -80), Severity: 3},
		},
	}

	subjectTok, err := TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing subject: %v", err)
	}

	snap, err := CreateSnapshot(s, subjectTok, records, ref, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("creating snapshot: %v", err)
	}

	if len(snap.Behavioral) != 2 {
		t.Fatalf("behavioral entries = %d, want 2 inside the window", len(snap.Behavioral))
	}

	// Two of five incidents fall inside the window, so the category token
	// must fold in the MEDIUM band, not the HIGH band of the full history.
	want, err := TokenizeCategory(s, models.DomainBehavioral, "aggression", models.FrequencyBandMedium)
	if err != nil {
		t.Fatalf("deriving expected token: %v", err)
	}
	if snap.Behavioral[0].CategoryToken != want {
		t.Errorf("category token = %s, want band-MEDIUM token %s", snap.Behavioral[0].CategoryToken, want)
	}
}

func TestCreateSnapshot_SkipsMalformed(t *testing.T) {
	s := newTestSession(t)
	defer s.Destroy()

	ref := time.Now()
	records := models.DomainRecordSet{
		Behavioral: []models.BehavioralIncident{
			{Category: "", OccurredAt: ref, Severity: 2},
			{Category: "disruption", OccurredAt: ref, Severity: 2},
		},
	}

	subjectTok, err := TokenizeIdentifier(s, "STU-1")
	if err != nil {
		t.Fatalf("tokenizing subject: %v", err)
	}

	snap, err := CreateSnapshot(s, subjectTok, records, ref, 0)
	if err != nil {
		t.Fatalf("creating snapshot: %v", err)
	}

	if snap.SkippedRecords != 1 {
		t.Errorf("SkippedRecords = %d, want 1", snap.SkippedRecords)
	}
	if len(snap.Behavioral) != 1 {
		t.Errorf("behavioral entries = %d, want 1", len(snap.Behavioral))
	}
}
