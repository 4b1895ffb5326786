package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
)

// Config carries the scoring calibration. The observed production values are
// defaults, not ground truth; deployments tune them.
type Config struct {
	WeightLow         float64 `yaml:"weight_low"`
	WeightMedium      float64 `yaml:"weight_medium"`
	WeightHigh        float64 `yaml:"weight_high"`
	WeightCritical    float64 `yaml:"weight_critical"`
	CombinationBonus  float64 `yaml:"combination_bonus"`
	MediumThreshold   float64 `yaml:"medium_threshold"`
	HighThreshold     float64 `yaml:"high_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold"`
	EscalationBias    float64 `yaml:"escalation_bias"`
}

func DefaultConfig() Config {
	return Config{
		WeightLow:         1,
		WeightMedium:      2,
		WeightHigh:        3,
		WeightCritical:    5,
		CombinationBonus:  1.5,
		MediumThreshold:   3,
		HighThreshold:     6,
		CriticalThreshold: 10,
		EscalationBias:    0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.WeightLow == 0 {
		c.WeightLow = d.WeightLow
	}
	if c.WeightMedium == 0 {
		c.WeightMedium = d.WeightMedium
	}
	if c.WeightHigh == 0 {
		c.WeightHigh = d.WeightHigh
	}
	if c.WeightCritical == 0 {
		c.WeightCritical = d.WeightCritical
	}
	if c.CombinationBonus == 0 {
		c.CombinationBonus = d.CombinationBonus
	}
	if c.MediumThreshold == 0 {
		c.MediumThreshold = d.MediumThreshold
	}
	if c.HighThreshold == 0 {
		c.HighThreshold = d.HighThreshold
	}
	if c.CriticalThreshold == 0 {
		c.CriticalThreshold = d.CriticalThreshold
	}
	if c.EscalationBias == 0 {
		c.EscalationBias = d.EscalationBias
	}
}

type Assessor struct {
	cfg Config
}

func New(cfg Config) *Assessor {
	cfg.applyDefaults()
	return &Assessor{cfg: cfg}
}

// Assess aggregates patterns into one calibrated verdict. Pattern weights sum;
// a cross-domain combination multiplies the total; fixed thresholds map the
// score to an ordinal level. Confidence rises with the number of independent
// corroborating domains.
func (a *Assessor) Assess(subjectToken models.Token, patterns []models.Pattern) models.RiskAssessment {
	assessment := models.RiskAssessment{
		SubjectToken:       subjectToken,
		IdentifiedPatterns: patterns,
		AssessedAt:         time.Now(),
	}

	var score float64
	domains := make(map[models.Domain]bool)
	hasCombination := false

	for _, p := range patterns {
		score += a.weight(p.Severity)
		if p.Type == models.PatternCrossDomain {
			hasCombination = true
			continue
		}
		domains[p.Domain] = true
	}

	if hasCombination {
		score *= a.cfg.CombinationBonus
	}
	if hasEscalationConflict(patterns) {
		// Equal-weight but conflicting trends: the escalating signal wins
		// the level call; both sides stay visible in the factors.
		score += a.cfg.EscalationBias
	}

	assessment.Score = score
	assessment.OverallLevel = a.level(score)
	assessment.ConfidenceScore = confidence(len(domains))
	assessment.PatternCombinations = combinations(patterns)
	assessment.ContributingFactors = factors(patterns, len(domains))

	return assessment
}

func (a *Assessor) weight(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return a.cfg.WeightCritical
	case models.SeverityHigh:
		return a.cfg.WeightHigh
	case models.SeverityMedium:
		return a.cfg.WeightMedium
	case models.SeverityLow:
		return a.cfg.WeightLow
	}
	return 0
}

func (a *Assessor) level(score float64) models.RiskLevel {
	switch {
	case score >= a.cfg.CriticalThreshold:
		return models.RiskCritical
	case score >= a.cfg.HighThreshold:
		return models.RiskHigh
	case score >= a.cfg.MediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// confidence maps independent corroborating domains onto [0.2, 1.0].
func confidence(domains int) float64 {
	return math.Min(1.0, 0.2*float64(domains+1))
}

// hasEscalationConflict reports two patterns of equal severity weight in
// different domains pulling in opposite trend directions.
func hasEscalationConflict(patterns []models.Pattern) bool {
	for i, p := range patterns {
		if p.TemporalTrend != models.TrendEscalating {
			continue
		}
		for j, q := range patterns {
			if i == j || q.Domain == p.Domain {
				continue
			}
			if q.TemporalTrend == models.TrendScattered && q.Severity == p.Severity {
				return true
			}
		}
	}
	return false
}

// combinations recomputes co-occurring medium-or-higher domains rather than
// trusting the extractor's cross-domain marker, so an assessor fed patterns
// from any source stays consistent.
func combinations(patterns []models.Pattern) []models.DomainCombination {
	seen := make(map[models.Domain]bool)
	for _, p := range patterns {
		if p.Type == models.PatternCrossDomain {
			continue
		}
		if models.SeverityRank(p.Severity) >= models.SeverityRank(models.SeverityMedium) {
			seen[p.Domain] = true
		}
	}
	if len(seen) < 2 {
		return nil
	}

	domains := make([]models.Domain, 0, len(seen))
	for d := range seen {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	return []models.DomainCombination{{Domains: domains}}
}

var domainLabels = map[models.Domain]string{
	models.DomainBehavioral:    "behavioral incident frequency",
	models.DomainAcademic:      "sustained below-benchmark performance",
	models.DomainCommunication: "concern-raising contact activity",
	models.DomainAttendance:    "attendance withdrawal",
}

var trendLabels = map[models.Trend]string{
	models.TrendEscalating: "escalating",
	models.TrendPersistent: "persistent",
	models.TrendScattered:  "scattered",
}

// factors renders human-readable phrases from domain, trend and the token's
// type tag only. Raw token content is never consulted here.
func factors(patterns []models.Pattern, domains int) []string {
	var out []string
	for _, p := range patterns {
		if p.Type == models.PatternCrossDomain {
			out = append(out, fmt.Sprintf("co-occurring %s signals across %d domains", strings.ToLower(string(p.Severity)), domains))
			continue
		}
		out = append(out, fmt.Sprintf("%s %s (%s severity, ref %s)",
			trendLabels[p.TemporalTrend], domainLabels[p.Domain],
			strings.ToLower(string(p.Severity)), p.Token.Type()))
	}
	return out
}
