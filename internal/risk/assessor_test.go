package risk

import (
	"testing"

	"github.com/schoolsafe/safeguard/internal/models"
)

func pattern(domain models.Domain, sev models.Severity, trend models.Trend) models.Pattern {
	return models.Pattern{
		Type:          models.PatternBehavioralFrequency,
		Token:         "beh_0011223344556677",
		Severity:      sev,
		TemporalTrend: trend,
		Domain:        domain,
		Window:        "past_4_weeks",
	}
}

func TestAssess_NoPatterns(t *testing.T) {
	a := New(DefaultConfig())

	got := a.Assess("subj_aabbccddeeff0011", nil)

	if got.OverallLevel != models.RiskLow {
		t.Errorf("level = %s, want %s", got.OverallLevel, models.RiskLow)
	}
	if got.Score != 0 {
		t.Errorf("score = %v, want 0", got.Score)
	}
	if got.ConfidenceScore != 0.2 {
		t.Errorf("confidence = %v, want 0.2", got.ConfidenceScore)
	}
}

func TestAssess_LevelThresholds(t *testing.T) {
	a := New(DefaultConfig())

	tests := []struct {
		name     string
		patterns []models.Pattern
		want     models.RiskLevel
	}{
		{
			"single low",
			[]models.Pattern{pattern(models.DomainBehavioral, models.SeverityLow, models.TrendScattered)},
			models.RiskLow,
		},
		{
			"medium threshold",
			[]models.Pattern{
				pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
				pattern(models.DomainBehavioral, models.SeverityLow, models.TrendPersistent),
			},
			models.RiskMedium,
		},
		{
			"high threshold",
			[]models.Pattern{
				pattern(models.DomainBehavioral, models.SeverityHigh, models.TrendPersistent),
				pattern(models.DomainAcademic, models.SeverityHigh, models.TrendPersistent),
			},
			models.RiskHigh,
		},
		{
			"critical threshold",
			[]models.Pattern{
				pattern(models.DomainBehavioral, models.SeverityCritical, models.TrendEscalating),
				pattern(models.DomainAcademic, models.SeverityCritical, models.TrendEscalating),
			},
			models.RiskCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.Assess("subj_aabbccddeeff0011", tt.patterns)
			if got.OverallLevel != tt.want {
				t.Errorf("level = %s (score %v), want %s", got.OverallLevel, got.Score, tt.want)
			}
		})
	}
}

func TestAssess_CrossDomainScoresHigher(t *testing.T) {
	a := New(DefaultConfig())

	single := a.Assess("subj_aabbccddeeff0011", []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
	})

	combo := models.Pattern{
		Type:          models.PatternCrossDomain,
		Token:         "subj_aabbccddeeff0011",
		Severity:      models.SeverityHigh,
		TemporalTrend: models.TrendPersistent,
		Domain:        models.DomainBehavioral,
		Window:        "past_4_weeks",
	}
	cross := a.Assess("subj_aabbccddeeff0011", []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
		pattern(models.DomainAttendance, models.SeverityMedium, models.TrendPersistent),
		combo,
	})

	if cross.Score <= single.Score {
		t.Errorf("cross-domain score %v not above same-domain score %v", cross.Score, single.Score)
	}
	if models.RiskRank(cross.OverallLevel) < models.RiskRank(single.OverallLevel) {
		t.Errorf("cross-domain level %s below same-domain level %s", cross.OverallLevel, single.OverallLevel)
	}
	if len(cross.PatternCombinations) != 1 {
		t.Fatalf("combinations = %d, want 1", len(cross.PatternCombinations))
	}
	if len(cross.PatternCombinations[0].Domains) != 2 {
		t.Errorf("combination domains = %v, want 2 entries", cross.PatternCombinations[0].Domains)
	}
}

func TestAssess_Monotonic(t *testing.T) {
	a := New(DefaultConfig())

	patterns := []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
	}
	base := a.Assess("subj_aabbccddeeff0011", patterns)

	more := append(patterns, pattern(models.DomainAcademic, models.SeverityMedium, models.TrendPersistent))
	grown := a.Assess("subj_aabbccddeeff0011", more)

	if grown.Score < base.Score {
		t.Errorf("adding a pattern lowered the score: %v -> %v", base.Score, grown.Score)
	}
	if models.RiskRank(grown.OverallLevel) < models.RiskRank(base.OverallLevel) {
		t.Errorf("adding a pattern lowered the level: %s -> %s", base.OverallLevel, grown.OverallLevel)
	}
}

func TestAssess_EscalationConflictBias(t *testing.T) {
	a := New(DefaultConfig())

	conflicting := []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendEscalating),
		pattern(models.DomainAcademic, models.SeverityMedium, models.TrendScattered),
	}
	agreeing := []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendEscalating),
		pattern(models.DomainAcademic, models.SeverityMedium, models.TrendEscalating),
	}

	withConflict := a.Assess("subj_aabbccddeeff0011", conflicting)
	without := a.Assess("subj_aabbccddeeff0011", agreeing)

	if withConflict.Score <= without.Score {
		t.Errorf("conflicting trends scored %v, want above agreeing trends %v", withConflict.Score, without.Score)
	}
}

func TestAssess_ConfidenceRisesWithDomains(t *testing.T) {
	a := New(DefaultConfig())

	one := a.Assess("subj_aabbccddeeff0011", []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
	})
	three := a.Assess("subj_aabbccddeeff0011", []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityMedium, models.TrendPersistent),
		pattern(models.DomainAcademic, models.SeverityMedium, models.TrendPersistent),
		pattern(models.DomainAttendance, models.SeverityMedium, models.TrendPersistent),
	})

	if three.ConfidenceScore <= one.ConfidenceScore {
		t.Errorf("confidence with three domains %v not above one domain %v", three.ConfidenceScore, one.ConfidenceScore)
	}
	if three.ConfidenceScore > 1.0 {
		t.Errorf("confidence %v exceeds 1.0", three.ConfidenceScore)
	}
}

func TestAssess_FactorsNeverQuoteTokens(t *testing.T) {
	a := New(DefaultConfig())

	got := a.Assess("subj_aabbccddeeff0011", []models.Pattern{
		pattern(models.DomainBehavioral, models.SeverityHigh, models.TrendEscalating),
	})

	if len(got.ContributingFactors) != 1 {
		t.Fatalf("factors = %d, want 1", len(got.ContributingFactors))
	}
	for _, f := range got.ContributingFactors {
		if containsHex(f) {
			t.Errorf("factor %q appears to quote a token suffix", f)
		}
	}
}

func containsHex(s string) bool {
	run := 0
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			run++
			if run >= 16 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

func TestConfig_AppliesDefaults(t *testing.T) {
	a := New(Config{HighThreshold: 7})

	if a.cfg.WeightMedium != 2 {
		t.Errorf("WeightMedium = %v, want default 2", a.cfg.WeightMedium)
	}
	if a.cfg.HighThreshold != 7 {
		t.Errorf("HighThreshold = %v, want override 7", a.cfg.HighThreshold)
	}
}
