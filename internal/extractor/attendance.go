package extractor

import (
	"fmt"
	"sort"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

type attendanceExtractor struct{}

func (e *attendanceExtractor) Domain() models.Domain {
	return models.DomainAttendance
}

// Extract flags a declining attendance-rate trend across the lookback window
// as a withdrawal signal.
func (e *attendanceExtractor) Extract(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error) {
	ref := p.reference()

	type observation struct {
		record models.AttendanceRecord
		index  int
	}
	var obs []observation

	for i, a := range records.Attendance {
		if a.Rate < 0 || a.Rate > 1 {
			continue
		}
		if !inWindow(ref, a.WeekStarting, p.LookbackWindow) {
			continue
		}
		obs = append(obs, observation{record: a, index: i})
	}

	if len(obs) < p.MinFrequency || len(obs) < 2 {
		return nil, nil
	}

	sort.Slice(obs, func(i, j int) bool {
		return obs[i].record.WeekStarting.Before(obs[j].record.WeekStarting)
	})

	// Compare the earlier and later halves of the window; a meaningful drop
	// in average rate is a withdrawal signal.
	half := len(obs) / 2
	var earlier, later float64
	for i, o := range obs {
		if i < half {
			earlier += o.record.Rate
		} else {
			later += o.record.Rate
		}
	}
	earlierAvg := earlier / float64(half)
	laterAvg := later / float64(len(obs)-half)
	drop := earlierAvg - laterAvg

	const minDrop = 0.05
	if drop < minDrop {
		return nil, nil
	}

	tok, err := tokenizer.TokenizeCategory(s, models.DomainAttendance, "attendance_rate", tokenizer.MagnitudeBand(len(obs)))
	if err != nil {
		return nil, err
	}

	evidence := make([]string, len(obs))
	steadyDecline := true
	for i, o := range obs {
		evidence[i] = fmt.Sprintf("attendance/%d", o.index)
		if i > 0 && o.record.Rate > obs[i-1].record.Rate+minDrop {
			steadyDecline = false
		}
	}

	trend := models.TrendScattered
	if steadyDecline {
		trend = models.TrendEscalating
	}

	return []models.Pattern{{
		Type:          models.PatternAttendanceWithdrawal,
		Token:         tok,
		Severity:      withdrawalSeverity(drop, laterAvg),
		Evidence:      evidence,
		TemporalTrend: trend,
		Domain:        models.DomainAttendance,
		Window:        p.windowLabel(),
	}}, nil
}

func withdrawalSeverity(drop, currentAvg float64) models.Severity {
	switch {
	case drop >= 0.30 || currentAvg < 0.50:
		return models.SeverityCritical
	case drop >= 0.20 || currentAvg < 0.70:
		return models.SeverityHigh
	case drop >= 0.10:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
