package tokenizer

import (
	"strings"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
)

// TokenizeIdentifier converts a raw subject identifier into a session-scoped
// token. Empty or blank values fail rather than tokenizing an absent value.
func TokenizeIdentifier(s *Session, raw string) (models.Token, error) {
	if strings.TrimSpace(raw) == "" {
		return "", &models.MalformedInputError{Field: "identifier", Reason: "empty value"}
	}
	return s.derive(models.TokenSubject, raw)
}

// TokenizeCategory converts a categorical value plus its pre-bucketed
// magnitude into a token. The magnitude is folded into the derivation so the
// token never encodes an exact count.
func TokenizeCategory(s *Session, domain models.Domain, category string, band models.FrequencyBand) (models.Token, error) {
	if strings.TrimSpace(category) == "" {
		return "", &models.MalformedInputError{Field: "category", Reason: "empty value"}
	}

	tt, ok := categoryTokenType(domain)
	if !ok {
		return "", &models.MalformedInputError{Field: "domain", Reason: "unknown domain " + string(domain)}
	}
	return s.derive(tt, string(domain)+":"+category+":"+string(band))
}

func categoryTokenType(d models.Domain) (models.TokenType, bool) {
	switch d {
	case models.DomainBehavioral:
		return models.TokenBehaviorCat, true
	case models.DomainAcademic:
		return models.TokenAcademicBand, true
	case models.DomainCommunication:
		return models.TokenCommSource, true
	case models.DomainAttendance:
		return models.TokenAttendance, true
	}
	return "", false
}

// MagnitudeBand buckets an event count into a coarse frequency band so exact,
// potentially re-identifying numbers never cross the boundary.
func MagnitudeBand(count int) models.FrequencyBand {
	switch {
	case count >= 5:
		return models.FrequencyBandHigh
	case count >= 2:
		return models.FrequencyBandMedium
	default:
		return models.FrequencyBandLow
	}
}

// SeverityBand buckets a 1-5 severity or urgency score.
func SeverityBand(score int) string {
	switch {
	case score >= 4:
		return "HIGH"
	case score == 3:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// RateBand buckets an attendance rate.
func RateBand(rate float64) string {
	switch {
	case rate >= 0.90:
		return "HIGH"
	case rate >= 0.75:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// GapBand buckets the distance below an academic benchmark.
func GapBand(gap int) string {
	switch {
	case gap >= 3:
		return "SEVERE"
	case gap == 2:
		return "WIDE"
	default:
		return "NARROW"
	}
}

// WeekOffset returns how many whole weeks before the reference time an event
// occurred. Exact dates never appear in a snapshot; only relative windows do.
func WeekOffset(ref, at time.Time) int {
	if at.After(ref) {
		return 0
	}
	return int(ref.Sub(at).Hours() / (24 * 7))
}

// Snapshot is the complete tokenized representation of one subject's records
// for one analysis. It contains only tokens, coarse bands and relative week
// offsets; serializing it must never reproduce a raw identifier.
type Snapshot struct {
	SubjectToken   models.Token          `json:"subject_token"`
	Behavioral     []BehavioralEntry     `json:"behavioral,omitempty"`
	Academic       []AcademicEntry       `json:"academic,omitempty"`
	Communication  []CommunicationEntry  `json:"communication,omitempty"`
	Attendance     []AttendanceEntry     `json:"attendance,omitempty"`
	DomainCounts   map[models.Domain]int `json:"domain_counts"`
	SkippedRecords int                   `json:"skipped_records"`
	CreatedAt      time.Time             `json:"created_at"`
}

type BehavioralEntry struct {
	CategoryToken models.Token `json:"category_token"`
	WeekOffset    int          `json:"week_offset"`
	SeverityBand  string       `json:"severity_band"`
}

type AcademicEntry struct {
	SubjectToken   models.Token `json:"subject_token"`
	WeekOffset     int          `json:"week_offset"`
	BelowBenchmark bool         `json:"below_benchmark"`
	GapBand        string       `json:"gap_band,omitempty"`
}

type CommunicationEntry struct {
	SourceToken models.Token `json:"source_token"`
	WeekOffset  int          `json:"week_offset"`
	UrgencyBand string       `json:"urgency_band"`
}

type AttendanceEntry struct {
	WeekOffset int    `json:"week_offset"`
	RateBand   string `json:"rate_band"`
}

// CreateSnapshot tokenizes a raw record set against the reference time,
// keeping only records inside the lookback window (zero window keeps
// everything). Malformed records are skipped and counted, not fatal; partial
// analysis proceeds on whatever tokenized cleanly.
func CreateSnapshot(s *Session, subjectToken models.Token, records models.DomainRecordSet, ref time.Time, window time.Duration) (*Snapshot, error) {
	snap := &Snapshot{
		SubjectToken: subjectToken,
		DomainCounts: make(map[models.Domain]int),
		CreatedAt:    ref,
	}

	inWindow := func(at time.Time) bool {
		if at.After(ref) {
			return false
		}
		return window <= 0 || ref.Sub(at) <= window
	}

	for _, inc := range records.Behavioral {
		if !inWindow(inc.OccurredAt) {
			continue
		}
		band := MagnitudeBand(countCategory(records.Behavioral, inc.Category, inWindow))
		tok, err := TokenizeCategory(s, models.DomainBehavioral, inc.Category, band)
		if err != nil {
			snap.SkippedRecords++
			continue
		}
		snap.Behavioral = append(snap.Behavioral, BehavioralEntry{
			CategoryToken: tok,
			WeekOffset:    WeekOffset(ref, inc.OccurredAt),
			SeverityBand:  SeverityBand(inc.Severity),
		})
	}

	for _, a := range records.Academic {
		if !inWindow(a.AssessedAt) {
			continue
		}
		tok, err := TokenizeCategory(s, models.DomainAcademic, a.Subject, models.FrequencyBandLow)
		if err != nil {
			snap.SkippedRecords++
			continue
		}
		gap := a.Benchmark - a.Level
		entry := AcademicEntry{
			SubjectToken:   tok,
			WeekOffset:     WeekOffset(ref, a.AssessedAt),
			BelowBenchmark: gap > 0,
		}
		if gap > 0 {
			entry.GapBand = GapBand(gap)
		}
		snap.Academic = append(snap.Academic, entry)
	}

	for _, c := range records.Communication {
		if !inWindow(c.SentAt) {
			continue
		}
		tok, err := TokenizeCategory(s, models.DomainCommunication, c.Source, models.FrequencyBandLow)
		if err != nil {
			snap.SkippedRecords++
			continue
		}
		snap.Communication = append(snap.Communication, CommunicationEntry{
			SourceToken: tok,
			WeekOffset:  WeekOffset(ref, c.SentAt),
			UrgencyBand: SeverityBand(c.Urgency),
		})
	}

	for _, a := range records.Attendance {
		if !inWindow(a.WeekStarting) {
			continue
		}
		snap.Attendance = append(snap.Attendance, AttendanceEntry{
			WeekOffset: WeekOffset(ref, a.WeekStarting),
			RateBand:   RateBand(a.Rate),
		})
	}

	snap.DomainCounts[models.DomainBehavioral] = len(snap.Behavioral)
	snap.DomainCounts[models.DomainAcademic] = len(snap.Academic)
	snap.DomainCounts[models.DomainCommunication] = len(snap.Communication)
	snap.DomainCounts[models.DomainAttendance] = len(snap.Attendance)

	return snap, nil
}

// countCategory counts a category's incidents inside the snapshot window so
// the frequency band matches what the snapshot actually carries.
func countCategory(incidents []models.BehavioralIncident, category string, inWindow func(time.Time) bool) int {
	n := 0
	for _, inc := range incidents {
		if inc.Category == category && inWindow(inc.OccurredAt) {
			n++
		}
	}
	return n
}
