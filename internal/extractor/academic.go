package extractor

import (
	"fmt"
	"sort"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

type academicExtractor struct{}

func (e *academicExtractor) Domain() models.Domain {
	return models.DomainAcademic
}

// Extract flags sustained below-benchmark performance: two or more
// consecutive below-level assessments in one subject. Severity scales with
// both the gap magnitude and the streak length.
func (e *academicExtractor) Extract(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error) {
	ref := p.reference()

	type assessment struct {
		record models.AssessmentRecord
		index  int
	}
	bySubject := make(map[string][]assessment)

	for i, a := range records.Academic {
		if a.Subject == "" {
			continue
		}
		if !inWindow(ref, a.AssessedAt, p.LookbackWindow) {
			continue
		}
		bySubject[a.Subject] = append(bySubject[a.Subject], assessment{record: a, index: i})
	}

	subjects := make([]string, 0, len(bySubject))
	for sub := range bySubject {
		subjects = append(subjects, sub)
	}
	sort.Strings(subjects)

	var patterns []models.Pattern

	for _, sub := range subjects {
		assessments := bySubject[sub]
		sort.Slice(assessments, func(i, j int) bool {
			return assessments[i].record.AssessedAt.Before(assessments[j].record.AssessedAt)
		})

		// Longest run of consecutive below-benchmark assessments, tracking
		// the widest gap and the gap endpoints inside the run.
		var bestStreak, bestGap int
		var bestFirstGap, bestLastGap int
		var bestIndices []int
		var streak, maxGap int
		var indices []int
		firstGap, lastGap := 0, 0

		flush := func() {
			if streak > bestStreak || (streak == bestStreak && maxGap > bestGap) {
				bestStreak = streak
				bestGap = maxGap
				bestFirstGap, bestLastGap = firstGap, lastGap
				bestIndices = append([]int(nil), indices...)
			}
			streak, maxGap = 0, 0
			firstGap, lastGap = 0, 0
			indices = nil
		}

		for _, a := range assessments {
			gap := a.record.Benchmark - a.record.Level
			if gap <= 0 {
				flush()
				continue
			}
			if streak == 0 {
				firstGap = gap
			}
			lastGap = gap
			streak++
			indices = append(indices, a.index)
			if gap > maxGap {
				maxGap = gap
			}
		}
		flush()

		if bestStreak < 2 || bestStreak < p.MinFrequency {
			continue
		}

		tok, err := tokenizer.TokenizeCategory(s, models.DomainAcademic, sub, tokenizer.MagnitudeBand(bestStreak))
		if err != nil {
			return nil, err
		}

		evidence := make([]string, len(bestIndices))
		for i, idx := range bestIndices {
			evidence[i] = fmt.Sprintf("academic/%d", idx)
		}

		trend := models.TrendPersistent
		if bestLastGap > bestFirstGap {
			trend = models.TrendEscalating
		}

		patterns = append(patterns, models.Pattern{
			Type:          models.PatternAcademicDecline,
			Token:         tok,
			Severity:      declineSeverity(bestStreak, bestGap),
			Evidence:      evidence,
			TemporalTrend: trend,
			Domain:        models.DomainAcademic,
			Window:        p.windowLabel(),
		})
	}

	return patterns, nil
}

func declineSeverity(streak, maxGap int) models.Severity {
	score := streak + maxGap
	switch {
	case score >= 6:
		return models.SeverityCritical
	case score >= 4:
		return models.SeverityHigh
	case score >= 3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
