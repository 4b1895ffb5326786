package extractor

import (
	"fmt"
	"sort"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

// Escalating contact activity is judged over a short horizon, independent of
// the broader lookback window.
const communicationHorizon = 14 * 24 * time.Hour

type communicationExtractor struct{}

func (e *communicationExtractor) Domain() models.Domain {
	return models.DomainCommunication
}

// Extract flags rising urgency across successive contacts, or multiple
// independent sources raising concern within a short window. Several distinct
// sources converging is itself an escalation signal.
func (e *communicationExtractor) Extract(s *tokenizer.Session, subject models.Token, records models.DomainRecordSet, p Params) ([]models.Pattern, error) {
	ref := p.reference()
	horizon := communicationHorizon
	if p.LookbackWindow < horizon {
		horizon = p.LookbackWindow
	}

	type contact struct {
		record models.CommunicationRecord
		index  int
	}
	var contacts []contact
	sources := make(map[string]bool)

	for i, c := range records.Communication {
		if c.Source == "" {
			continue
		}
		if !inWindow(ref, c.SentAt, horizon) {
			continue
		}
		contacts = append(contacts, contact{record: c, index: i})
		sources[c.Source] = true
	}

	if len(contacts) < p.MinFrequency {
		return nil, nil
	}

	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].record.SentAt.Before(contacts[j].record.SentAt)
	})

	// Rising urgency: the later half of contacts averages higher urgency
	// than the earlier half.
	half := len(contacts) / 2
	var earlier, later float64
	for i, c := range contacts {
		if i < half {
			earlier += float64(c.record.Urgency)
		} else {
			later += float64(c.record.Urgency)
		}
	}
	risingUrgency := half > 0 && later/float64(len(contacts)-half) > earlier/float64(half)
	multiSource := len(sources) >= p.MinFrequency

	if !risingUrgency && !multiSource {
		return nil, nil
	}

	// Token the highest-urgency source; the pattern references one source
	// token, evidence references every contributing contact.
	primary := contacts[0]
	for _, c := range contacts {
		if c.record.Urgency > primary.record.Urgency {
			primary = c
		}
	}
	tok, err := tokenizer.TokenizeCategory(s, models.DomainCommunication, primary.record.Source, tokenizer.MagnitudeBand(len(contacts)))
	if err != nil {
		return nil, err
	}

	evidence := make([]string, len(contacts))
	maxUrgency := 0
	for i, c := range contacts {
		evidence[i] = fmt.Sprintf("communication/%d", c.index)
		if c.record.Urgency > maxUrgency {
			maxUrgency = c.record.Urgency
		}
	}

	trend := models.TrendPersistent
	if risingUrgency {
		trend = models.TrendEscalating
	}

	return []models.Pattern{{
		Type:          models.PatternCommunicationEscalation,
		Token:         tok,
		Severity:      contactSeverity(len(sources), maxUrgency),
		Evidence:      evidence,
		TemporalTrend: trend,
		Domain:        models.DomainCommunication,
		Window:        p.windowLabel(),
	}}, nil
}

func contactSeverity(distinctSources, maxUrgency int) models.Severity {
	score := distinctSources + maxUrgency
	switch {
	case score >= 8:
		return models.SeverityCritical
	case score >= 6:
		return models.SeverityHigh
	case score >= 4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
