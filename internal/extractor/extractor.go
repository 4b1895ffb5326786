package extractor

import (
	"fmt"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

// Params bounds one extraction run. ReferenceTime anchors relative windows;
// zero means time.Now().
type Params struct {
	MinFrequency   int
	LookbackWindow time.Duration
	MaxRecords     int
	ReferenceTime  time.Time
}

func DefaultParams() Params {
	return Params{
		MinFrequency:   2,
		LookbackWindow: 30 * 24 * time.Hour,
		MaxRecords:     5000,
	}
}

func (p Params) reference() time.Time {
	if p.ReferenceTime.IsZero() {
		return time.Now()
	}
	return p.ReferenceTime
}

func (p Params) windowLabel() string {
	weeks := int(p.LookbackWindow.Hours() / (24 * 7))
	if weeks < 1 {
		weeks = 1
	}
	return fmt.Sprintf("past_%d_weeks", weeks)
}

// DomainExtractor is one per-domain extraction strategy. Implementations are
// registered in a fixed table; adding a domain means adding a registration,
// not a branch.
type DomainExtractor interface {
	Domain() models.Domain
	Extract(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error)
}

type Extractor struct {
	registry []DomainExtractor
}

// New builds an extractor with the full domain table registered.
func New() *Extractor {
	return &Extractor{
		registry: []DomainExtractor{
			&behavioralExtractor{},
			&academicExtractor{},
			&communicationExtractor{},
			&attendanceExtractor{},
		},
	}
}

// NewWithExtractors builds an extractor over an explicit registration table.
func NewWithExtractors(extractors ...DomainExtractor) *Extractor {
	return &Extractor{registry: extractors}
}

// ExtractAll runs every registered domain extractor and appends cross-domain
// combination patterns. Given identical inputs the output is fully
// deterministic: no randomness, no external calls, stable ordering.
func (e *Extractor) ExtractAll(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error) {
	if total := records.TotalRecords(); p.MaxRecords > 0 && total > p.MaxRecords {
		return nil, &models.PayloadTooLargeError{Count: total, Limit: p.MaxRecords}
	}

	var patterns []models.Pattern
	for _, de := range e.registry {
		found, err := de.Extract(s, subject, records, p)
		if err != nil {
			return nil, fmt.Errorf("extracting %s patterns: %w", de.Domain(), err)
		}
		patterns = append(patterns, found...)
	}

	patterns = append(patterns, combinationPatterns(subject, patterns, p)...)
	return patterns, nil
}

// combinationPatterns emits one cross-domain pattern when two or more domains
// produced medium-or-higher severity within the same window. The combination
// itself is evidence beyond any single domain.
func combinationPatterns(subject models.Token, patterns []models.Pattern, p Params) []models.Pattern {
	seen := make(map[models.Domain]bool)
	var domains []models.Domain
	maxSev := models.SeverityLow
	escalating := false

	for _, pat := range patterns {
		if models.SeverityRank(pat.Severity) < models.SeverityRank(models.SeverityMedium) {
			continue
		}
		if !seen[pat.Domain] {
			seen[pat.Domain] = true
			domains = append(domains, pat.Domain)
		}
		if models.SeverityRank(pat.Severity) > models.SeverityRank(maxSev) {
			maxSev = pat.Severity
		}
		if pat.TemporalTrend == models.TrendEscalating {
			escalating = true
		}
	}

	if len(domains) < 2 {
		return nil
	}

	trend := models.TrendPersistent
	if escalating {
		trend = models.TrendEscalating
	}

	evidence := make([]string, len(domains))
	for i, d := range domains {
		evidence[i] = "domain/" + string(d)
	}

	return []models.Pattern{{
		Type:          models.PatternCrossDomain,
		Token:         subject,
		Severity:      bumpSeverity(maxSev),
		Evidence:      evidence,
		TemporalTrend: trend,
		Domain:        domains[0],
		Window:        p.windowLabel(),
	}}
}

func bumpSeverity(s models.Severity) models.Severity {
	switch s {
	case models.SeverityLow:
		return models.SeverityMedium
	case models.SeverityMedium:
		return models.SeverityHigh
	default:
		return models.SeverityCritical
	}
}

// weeklyBuckets counts events per whole week across the lookback window,
// oldest bucket first.
func weeklyBuckets(offsets []int, windowWeeks int) []int {
	if windowWeeks < 1 {
		windowWeeks = 1
	}
	buckets := make([]int, windowWeeks)
	for _, off := range offsets {
		if off < 0 || off >= windowWeeks {
			continue
		}
		// offset 0 is the most recent week; store oldest-first
		buckets[windowWeeks-1-off]++
	}
	return buckets
}

// classifyTrend labels a weekly series: rising toward the present is
// escalating, an even spread is persistent, anything sparse is scattered.
func classifyTrend(buckets []int, total int) models.Trend {
	if total < 3 {
		return models.TrendScattered
	}

	half := len(buckets) / 2
	var earlier, later int
	for i, c := range buckets {
		if i < half {
			earlier += c
		} else {
			later += c
		}
	}
	if later > earlier {
		return models.TrendEscalating
	}

	active := 0
	for _, c := range buckets {
		if c > 0 {
			active++
		}
	}
	if active*2 >= len(buckets) {
		return models.TrendPersistent
	}
	return models.TrendScattered
}

func windowWeeks(window time.Duration) int {
	w := int(window.Hours() / (24 * 7))
	if w < 1 {
		w = 1
	}
	return w
}

func inWindow(ref, at time.Time, window time.Duration) bool {
	if at.After(ref) {
		return false
	}
	return ref.Sub(at) <= window
}
