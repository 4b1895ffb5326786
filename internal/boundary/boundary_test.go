package boundary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

type mockTransport struct {
	calls int
	resp  Response
	err   error
}

func (m *mockTransport) Send(ctx context.Context, p Payload) (Response, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func cleanPayload() Payload {
	return Payload{
		"subject_token":   "subj_aabbccddeeff0011",
		"local_level":     "MEDIUM",
		"local_score":     "4.50",
		"confidence":      "0.60",
		"pattern_count":   "1",
		"pattern_0_token": "beh_0011223344556677",
		"pattern_0_trend": "ESCALATING",
	}
}

func TestAnalyzePatterns_BlocksNameLeak(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport)

	payload := cleanPayload()
	payload["note"] = "Jane Smith"

	_, err := b.AnalyzePatterns(context.Background(), payload)

	var viol *models.AnonymityViolationError
	if !errors.As(err, &viol) {
		t.Fatalf("got err = %v, want AnonymityViolationError", err)
	}
	if viol.Field != "note" || viol.RuleName != "PERSON_NAME" {
		t.Errorf("violation = %s/%s, want note/PERSON_NAME", viol.Field, viol.RuleName)
	}
	if transport.calls != 0 {
		t.Errorf("transport called %d times after a blocked payload, want 0", transport.calls)
	}
}

func TestAnalyzePatterns_BlocksForeignValue(t *testing.T) {
	transport := &mockTransport{}
	b := New(transport)

	payload := cleanPayload()
	payload["extra"] = "unvetted"

	_, err := b.AnalyzePatterns(context.Background(), payload)

	var viol *models.AnonymityViolationError
	if !errors.As(err, &viol) {
		t.Fatalf("got err = %v, want AnonymityViolationError", err)
	}
	if viol.RuleName != "FOREIGN_VALUE" {
		t.Errorf("rule = %s, want FOREIGN_VALUE", viol.RuleName)
	}
	if transport.calls != 0 {
		t.Errorf("transport called %d times, want 0", transport.calls)
	}
}

func TestAnalyzePatterns_CleanExchange(t *testing.T) {
	transport := &mockTransport{resp: Response{
		"adjusted_level":      "HIGH",
		"external_confidence": "0.85",
		"focus_token_0":       "beh_0011223344556677",
	}}
	b := New(transport)

	result, err := b.AnalyzePatterns(context.Background(), cleanPayload())
	if err != nil {
		t.Fatalf("analyzing: %v", err)
	}
	if transport.calls != 1 {
		t.Errorf("transport calls = %d, want 1", transport.calls)
	}
	if result.AdjustedLevel != models.RiskHigh {
		t.Errorf("adjusted level = %s, want HIGH", result.AdjustedLevel)
	}
	if result.ExternalConfidence != 0.85 {
		t.Errorf("external confidence = %v, want 0.85", result.ExternalConfidence)
	}
	if len(result.FocusTokens) != 1 || result.FocusTokens[0] != "beh_0011223344556677" {
		t.Errorf("focus tokens = %v, want the echoed pattern token", result.FocusTokens)
	}
}

func TestAnalyzePatterns_TransportFailure(t *testing.T) {
	transport := &mockTransport{err: errors.New("connection refused")}
	b := New(transport, WithTimeout(time.Second))

	_, err := b.AnalyzePatterns(context.Background(), cleanPayload())

	var te *models.ExternalTransportError
	if !errors.As(err, &te) {
		t.Fatalf("got err = %v, want ExternalTransportError", err)
	}
}

func TestAnalyzePatterns_RejectsUnknownToken(t *testing.T) {
	transport := &mockTransport{resp: Response{
		"focus_token_0": "subj_ffffffffffffffff",
	}}
	b := New(transport)

	_, err := b.AnalyzePatterns(context.Background(), cleanPayload())

	var ve *models.ExternalResponseValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got err = %v, want ExternalResponseValidationError", err)
	}
}

func TestAnalyzePatterns_RejectsForeignResponseValue(t *testing.T) {
	transport := &mockTransport{resp: Response{
		"comment": "escalate to Jane",
	}}
	b := New(transport)

	_, err := b.AnalyzePatterns(context.Background(), cleanPayload())

	var ve *models.ExternalResponseValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got err = %v, want ExternalResponseValidationError", err)
	}
}

func TestBuildPayload_PassesOutboundCheck(t *testing.T) {
	s, err := tokenizer.NewSession()
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	defer s.Destroy()

	subject, err := tokenizer.TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing subject: %v", err)
	}
	catTok, err := tokenizer.TokenizeCategory(s, models.DomainBehavioral, "aggression", models.FrequencyBandHigh)
	if err != nil {
		t.Fatalf("tokenizing category: %v", err)
	}

	ref := time.Now()
	snap, err := tokenizer.CreateSnapshot(s, subject, models.DomainRecordSet{
		Behavioral: []models.BehavioralIncident{
			{Category: "aggression", OccurredAt: ref.AddDate(0, 0, -1), Severity: 4},
		},
	}, ref, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("creating snapshot: %v", err)
	}

	patterns := []models.Pattern{{
		Type:          models.PatternBehavioralFrequency,
		Token:         catTok,
		Severity:      models.SeverityHigh,
		TemporalTrend: models.TrendEscalating,
		Domain:        models.DomainBehavioral,
		Window:        "past_4_weeks",
	}}
	assessment := models.RiskAssessment{
		SubjectToken:    subject,
		OverallLevel:    models.RiskHigh,
		Score:           6.5,
		ConfidenceScore: 0.4,
	}

	payload := BuildPayload(snap, patterns, assessment)

	if viol := NewVerifier().CheckOutbound(payload); viol != nil {
		t.Errorf("built payload failed outbound check: field %s rule %s", viol.Field, viol.RuleName)
	}
	if payload["subject_token"] != string(subject) {
		t.Errorf("subject_token = %s, want %s", payload["subject_token"], subject)
	}
}

func TestLocalize(t *testing.T) {
	s, err := tokenizer.NewSession()
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	tok, err := tokenizer.TokenizeIdentifier(s, "STU-4821")
	if err != nil {
		t.Fatalf("tokenizing: %v", err)
	}

	b := New(&mockTransport{})
	result := &ExternalResult{
		AdjustedLevel: models.RiskHigh,
		FocusTokens:   []models.Token{tok, "subj_ffffffffffffffff"},
	}

	report, err := b.Localize(result, s)
	if err != nil {
		t.Fatalf("localizing: %v", err)
	}
	if len(report.Focus) != 2 {
		t.Fatalf("focus entries = %d, want 2", len(report.Focus))
	}
	if report.Focus[0].Raw != "STU-4821" {
		t.Errorf("resolved raw = %q, want STU-4821", report.Focus[0].Raw)
	}
	if report.Focus[1].Raw != "" {
		t.Errorf("unresolvable token localized to %q, want empty", report.Focus[1].Raw)
	}

	s.Destroy()
	if _, err := b.Localize(result, s); err == nil {
		t.Error("localizing against a destroyed session succeeded")
	}
}

func TestVerifier_Rules(t *testing.T) {
	v := NewVerifier()

	tests := []struct {
		name  string
		value string
		rule  string
	}{
		{"email", "jane.smith@school.example.org", "EMAIL"},
		{"phone", "020-79460958", "PHONE"},
		{"person name", "Jane Smith", "PERSON_NAME"},
		{"date of birth", "14/03/2012", "DATE_OF_BIRTH"},
		{"student id", "STU-4821", "STUDENT_ID"},
		{"postcode", "SW1A 1AA", "POSTAL_ADDRESS"},
		{"street address", "12 acacia avenue", "POSTAL_ADDRESS"},
		{"free text", "he said he does not want to go home", "FREE_TEXT"},
		{"arbitrary word", "unvetted", "FOREIGN_VALUE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viol := v.checkValue("field", tt.value)
			if viol == nil {
				t.Fatalf("value %q passed the outbound check", tt.value)
			}
			if viol.RuleName != tt.rule {
				t.Errorf("rule = %s, want %s", viol.RuleName, tt.rule)
			}
		})
	}
}

func TestVerifier_Allowed(t *testing.T) {
	v := NewVerifier()

	for _, value := range []string{
		"subj_aabbccddeeff0011",
		"beh_0011223344556677",
		"42",
		"0.85",
		"HIGH",
		"ESCALATING",
		"BEHAVIORAL",
	} {
		if !v.Allowed(value) {
			t.Errorf("Allowed(%q) = false, want true", value)
		}
	}

	for _, value := range []string{"", "Jane", "subj_XYZ", "subj_aabbccddeeff00"} {
		if v.Allowed(value) {
			t.Errorf("Allowed(%q) = true, want false", value)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("Jane Smith"); got != "Ja******th" {
		t.Errorf("redact = %q, want Ja******th", got)
	}
	if got := redact("Jo"); got != "****" {
		t.Errorf("short redact = %q, want ****", got)
	}
}
