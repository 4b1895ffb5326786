package boundary

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

// Payload is the flat key/value structure crossing the external boundary.
// Values are tokens, numerics, or closed-vocabulary ordinals; the verifier
// enumerates and checks every one before anything leaves.
type Payload map[string]string

func (p Payload) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Response is the external service's reply, same wire shape as Payload.
type Response map[string]string

// ExternalResult is a validated, still-tokenized external analysis.
type ExternalResult struct {
	AdjustedLevel      models.RiskLevel `json:"adjusted_level,omitempty"`
	ExternalConfidence float64          `json:"external_confidence"`
	FocusTokens        []models.Token   `json:"focus_tokens,omitempty"`
	Raw                Response         `json:"raw"`
}

// LocalizedRef pairs a token with its locally-resolved raw value.
type LocalizedRef struct {
	Token models.Token `json:"token"`
	Raw   string       `json:"raw"`
}

// LocalizedReport is the external result translated back into the caller's
// identifier space. Produced strictly inside the trust boundary.
type LocalizedReport struct {
	AdjustedLevel      models.RiskLevel `json:"adjusted_level,omitempty"`
	ExternalConfidence float64          `json:"external_confidence"`
	Focus              []LocalizedRef   `json:"focus"`
}

// Interface is the only component permitted to invoke the external reasoning
// service. Outbound payloads are verified before sending; inbound responses
// are verified before acceptance.
type Interface struct {
	verifier  *Verifier
	transport Transport
	timeout   time.Duration
	logger    *slog.Logger
}

type Option func(*Interface)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Interface) {
		b.logger = logger
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(b *Interface) {
		b.timeout = timeout
	}
}

func WithVerifier(v *Verifier) Option {
	return func(b *Interface) {
		b.verifier = v
	}
}

func New(transport Transport, opts ...Option) *Interface {
	b := &Interface{
		verifier:  NewVerifier(),
		transport: transport,
		timeout:   10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildPayload flattens a snapshot, its patterns and the local assessment
// into boundary wire shape. Every value it emits passes the outbound check.
func BuildPayload(snap *tokenizer.Snapshot, patterns []models.Pattern, assessment models.RiskAssessment) Payload {
	p := Payload{
		"subject_token": string(snap.SubjectToken),
		"local_level":   string(assessment.OverallLevel),
		"local_score":   strconv.FormatFloat(assessment.Score, 'f', 2, 64),
		"confidence":    strconv.FormatFloat(assessment.ConfidenceScore, 'f', 2, 64),
		"pattern_count": strconv.Itoa(len(patterns)),
	}

	for d, n := range snap.DomainCounts {
		p["records_"+string(d)] = strconv.Itoa(n)
	}

	for i, pat := range patterns {
		prefix := fmt.Sprintf("pattern_%d_", i)
		p[prefix+"token"] = string(pat.Token)
		p[prefix+"type"] = string(pat.Type)
		p[prefix+"severity"] = string(pat.Severity)
		p[prefix+"trend"] = string(pat.TemporalTrend)
		p[prefix+"domain"] = string(pat.Domain)
	}

	return p
}

// AnalyzePatterns runs the outbound anonymity pass, calls the external
// service under the configured timeout, then validates the response for
// leakage before accepting it.
func (b *Interface) AnalyzePatterns(ctx context.Context, payload Payload) (*ExternalResult, error) {
	if viol := b.verifier.CheckOutbound(payload); viol != nil {
		b.logger.Warn("outbound anonymity violation, external call aborted",
			"field", viol.Field, "rule", viol.RuleName)
		return nil, &models.AnonymityViolationError{Field: viol.Field, RuleName: viol.RuleName}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.transport.Send(ctx, payload)
	if err != nil {
		return nil, &models.ExternalTransportError{Op: "send", Err: err}
	}

	if err := b.validateResponse(payload, resp); err != nil {
		return nil, err
	}

	return parseResult(resp), nil
}

// validateResponse rejects any response value not traceable to a token or
// numeric/ordinal field the interface itself sent.
func (b *Interface) validateResponse(sent Payload, resp Response) error {
	sentTokens := make(map[string]bool)
	for _, v := range sent {
		if models.IsToken(v) {
			sentTokens[v] = true
		}
	}

	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := resp[k]
		switch {
		case isNumeric(v):
		case models.IsToken(v):
			if !sentTokens[v] {
				b.logger.Warn("inbound response carried unknown token", "field", k)
				return &models.ExternalResponseValidationError{Field: k, Reason: "token not issued in this exchange"}
			}
		case b.verifier.ordinals[v]:
		default:
			b.logger.Warn("inbound response carried untraceable value", "field", k)
			return &models.ExternalResponseValidationError{Field: k, Reason: "value not traceable to sent fields"}
		}
	}
	return nil
}

func parseResult(resp Response) *ExternalResult {
	result := &ExternalResult{Raw: resp}

	if lvl, ok := resp["adjusted_level"]; ok {
		if models.RiskRank(models.RiskLevel(lvl)) > 0 {
			result.AdjustedLevel = models.RiskLevel(lvl)
		}
	}
	if c, ok := resp["external_confidence"]; ok {
		if f, err := strconv.ParseFloat(c, 64); err == nil {
			result.ExternalConfidence = f
		}
	}

	keys := make([]string, 0, len(resp))
	for k := range resp {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(k) >= 11 && k[:11] == "focus_token" && models.IsToken(resp[k]) {
			result.FocusTokens = append(result.FocusTokens, models.Token(resp[k]))
		}
	}

	return result
}

// Localize translates a validated external result back into the caller's
// identifier space via the session's reversible mapping. This is the only
// operation allowed to consult the mapping, and it never leaves the local
// trust boundary.
func (b *Interface) Localize(result *ExternalResult, sess *tokenizer.Session) (*LocalizedReport, error) {
	if result == nil {
		return nil, fmt.Errorf("localizing nil external result")
	}
	if sess.Destroyed() {
		return nil, fmt.Errorf("localizing against destroyed session %s", sess.ID())
	}

	report := &LocalizedReport{
		AdjustedLevel:      result.AdjustedLevel,
		ExternalConfidence: result.ExternalConfidence,
	}

	for _, tok := range result.FocusTokens {
		raw, ok := sess.Lookup(tok)
		if !ok {
			// Token validated as sent but no longer resolvable: keep the
			// token opaque rather than failing the whole localization.
			report.Focus = append(report.Focus, LocalizedRef{Token: tok, Raw: ""})
			continue
		}
		report.Focus = append(report.Focus, LocalizedRef{Token: tok, Raw: raw})
	}

	return report, nil
}
