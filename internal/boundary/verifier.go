package boundary

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/schoolsafe/safeguard/internal/models"
)

// Rule is one known-PII shape on the outbound denylist.
type Rule struct {
	Name       string
	Patterns   []*regexp.Regexp
	Validators []Validator
}

type Validator func(match string) bool

// Violation is one denylist hit inside a payload field.
type Violation struct {
	Field    string
	RuleName string
	Redacted string
}

// Verifier mechanically checks every payload field against the PII denylist
// and the token/numeric/ordinal whitelist. It never strips or rewrites;
// a hit aborts the call.
type Verifier struct {
	rules    []*Rule
	ordinals map[string]bool
}

func NewVerifier() *Verifier {
	return &Verifier{
		rules:    DefaultRules(),
		ordinals: ordinalVocabulary(),
	}
}

func (v *Verifier) AddRule(rule *Rule) {
	v.rules = append(v.rules, rule)
}

// ordinalVocabulary is the closed set of non-token, non-numeric values the
// boundary is allowed to carry: severity levels, trends, bands and domains.
func ordinalVocabulary() map[string]bool {
	vocab := []string{
		string(models.SeverityLow), string(models.SeverityMedium),
		string(models.SeverityHigh), string(models.SeverityCritical),
		string(models.TrendEscalating), string(models.TrendPersistent), string(models.TrendScattered),
		string(models.DomainBehavioral), string(models.DomainAcademic),
		string(models.DomainCommunication), string(models.DomainAttendance),
		string(models.PatternBehavioralFrequency), string(models.PatternAcademicDecline),
		string(models.PatternCommunicationEscalation), string(models.PatternAttendanceWithdrawal),
		string(models.PatternCrossDomain),
		"NARROW", "WIDE", "SEVERE", "NONE",
	}
	m := make(map[string]bool, len(vocab))
	for _, s := range vocab {
		m[s] = true
	}
	return m
}

// CheckOutbound verifies an outbound payload field by field. The first
// violation aborts; nothing is silently dropped.
func (v *Verifier) CheckOutbound(payload Payload) *Violation {
	for _, field := range payload.sortedKeys() {
		value := payload[field]
		if viol := v.checkValue(field, value); viol != nil {
			return viol
		}
	}
	return nil
}

func (v *Verifier) checkValue(field, value string) *Violation {
	if v.Allowed(value) {
		return nil
	}

	for _, rule := range v.rules {
		for _, pattern := range rule.Patterns {
			matches := pattern.FindAllString(value, -1)
			for _, m := range matches {
				if validates(rule, m) {
					return &Violation{Field: field, RuleName: rule.Name, Redacted: redact(m)}
				}
			}
		}
	}

	// Anything that is not a token, a numeric, or vocabulary is foreign to
	// the boundary even when no PII shape matched.
	return &Violation{Field: field, RuleName: "FOREIGN_VALUE", Redacted: redact(value)}
}

// Allowed reports whether a single value belongs on the wire at all.
func (v *Verifier) Allowed(value string) bool {
	return models.IsToken(value) || isNumeric(value) || v.ordinals[value]
}

func validates(rule *Rule, match string) bool {
	for _, validator := range rule.Validators {
		if !validator(match) {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// DefaultRules is the denylist of PII shapes that must never cross the
// boundary: names, contact details, identifiers outside the token namespace,
// dates of birth, addresses.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name: "EMAIL",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			},
		},
		{
			Name: "PHONE",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`),
				regexp.MustCompile(`\b\(\d{3}\)\s?\d{3}[-.\s]?\d{4}\b`),
				regexp.MustCompile(`\b0\d{2,4}[-.\s]?\d{6,8}\b`),
			},
		},
		{
			Name: "PERSON_NAME",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b[A-Z][a-z]{1,20}\s+[A-Z][a-z]{1,20}\b`),
			},
			Validators: []Validator{ValidateNameShape},
		},
		{
			Name: "DATE_OF_BIRTH",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(0?[1-9]|[12]\d|3[01])[-/](0?[1-9]|1[0-2])[-/](19|20)\d{2}\b`),
				regexp.MustCompile(`\b(19|20)\d{2}[-/](0?[1-9]|1[0-2])[-/](0?[1-9]|[12]\d|3[01])\b`),
			},
		},
		{
			Name: "STUDENT_ID",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b(stu|std|pupil|upn)[-_]?\d{3,10}\b`),
				regexp.MustCompile(`\b[A-Z]\d{12}\b`), // UPN shape
			},
		},
		{
			Name: "NATIONAL_ID",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				regexp.MustCompile(`\b[A-CEGHJ-PR-TW-Z]{2}\s?\d{2}\s?\d{2}\s?\d{2}\s?[A-D]\b`),
			},
		},
		{
			Name: "POSTAL_ADDRESS",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z]+\s+(Street|St|Avenue|Ave|Road|Rd|Lane|Ln|Drive|Dr|Close|Way|Court|Ct)\b`),
				regexp.MustCompile(`\b[A-Z]{1,2}\d[A-Z0-9]?\s?\d[A-Z]{2}\b`), // UK postcode
			},
		},
		{
			Name: "FREE_TEXT",
			Patterns: []*regexp.Regexp{
				regexp.MustCompile(`\b(\S+\s+){4,}\S+\b`), // five or more words
			},
		},
	}
}

// ValidateNameShape filters capitalized-pair matches that are clearly not
// names (all-caps ordinals, token fragments).
func ValidateNameShape(match string) bool {
	words := strings.Fields(match)
	if len(words) != 2 {
		return false
	}
	for _, w := range words {
		if len(w) < 2 {
			return false
		}
		if !unicode.IsUpper(rune(w[0])) {
			return false
		}
		rest := w[1:]
		if strings.ToUpper(rest) == rest {
			return false // acronym, not a name
		}
	}
	return true
}

func redact(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}
