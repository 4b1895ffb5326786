package extractor

import (
	"fmt"
	"sort"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

type behavioralExtractor struct{}

func (e *behavioralExtractor) Domain() models.Domain {
	return models.DomainBehavioral
}

// Extract counts incidents per category within the lookback window. A
// category crossing MinFrequency yields a pattern whose severity scales with
// the count-over-threshold ratio.
func (e *behavioralExtractor) Extract(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error) {
	ref := p.reference()

	type categoryEvents struct {
		offsets []int
		indices []int
	}
	byCategory := make(map[string]*categoryEvents)

	for i, inc := range records.Behavioral {
		if inc.Category == "" {
			continue // malformed, skipped per-record
		}
		if !inWindow(ref, inc.OccurredAt, p.LookbackWindow) {
			continue
		}
		ce := byCategory[inc.Category]
		if ce == nil {
			ce = &categoryEvents{}
			byCategory[inc.Category] = ce
		}
		ce.offsets = append(ce.offsets, tokenizer.WeekOffset(ref, inc.OccurredAt))
		ce.indices = append(ce.indices, i)
	}

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	weeks := windowWeeks(p.LookbackWindow)
	var patterns []models.Pattern

	for _, cat := range categories {
		ce := byCategory[cat]
		count := len(ce.offsets)
		if count < p.MinFrequency {
			continue
		}

		tok, err := tokenizer.TokenizeCategory(s, models.DomainBehavioral, cat, tokenizer.MagnitudeBand(count))
		if err != nil {
			return nil, err
		}

		evidence := make([]string, len(ce.indices))
		for i, idx := range ce.indices {
			evidence[i] = fmt.Sprintf("behavioral/%d", idx)
		}

		ratio := float64(count) / float64(p.MinFrequency)
		patterns = append(patterns, models.Pattern{
			Type:          models.PatternBehavioralFrequency,
			Token:         tok,
			Severity:      ratioSeverity(ratio),
			Evidence:      evidence,
			TemporalTrend: classifyTrend(weeklyBuckets(ce.offsets, weeks), count),
			Domain:        models.DomainBehavioral,
			Window:        p.windowLabel(),
		})
	}

	return patterns, nil
}

func ratioSeverity(ratio float64) models.Severity {
	switch {
	case ratio >= 4.0:
		return models.SeverityCritical
	case ratio >= 2.5:
		return models.SeverityHigh
	case ratio >= 1.5:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
