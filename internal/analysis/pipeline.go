package analysis

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/audit"
	"github.com/schoolsafe/safeguard/internal/boundary"
	"github.com/schoolsafe/safeguard/internal/extractor"
	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/risk"
	"github.com/schoolsafe/safeguard/internal/tokenizer"
)

const privacyStatement = "pattern analysis performed on session-scoped tokens; raw identifiers never left the local trust boundary"

// ExternalAnalyzer is the privacy-boundary surface the pipeline drives.
// *boundary.Interface is the production implementation.
type ExternalAnalyzer interface {
	AnalyzePatterns(ctx context.Context, payload boundary.Payload) (*boundary.ExternalResult, error)
	Localize(result *boundary.ExternalResult, sess *tokenizer.Session) (*boundary.LocalizedReport, error)
}

// ViolationNotifier is alerted when the outbound check blocks a payload.
type ViolationNotifier interface {
	NotifyBoundaryViolation(ctx context.Context, analysisID, field, rule string) error
}

// Pipeline runs the full analysis state machine for one subject at a time.
// Each run owns a fresh tokenization session; nothing mutable is shared
// between concurrent runs.
type Pipeline struct {
	extractor *extractor.Extractor
	assessor  *risk.Assessor
	boundary  ExternalAnalyzer
	notifier  ViolationNotifier
	store     audit.Store
	params    extractor.Params
	digestKey []byte
	logger    *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithBoundary enables the external analysis stage. Without it every run is
// local-only and audited as skipped.
func WithBoundary(b ExternalAnalyzer) Option {
	return func(p *Pipeline) {
		p.boundary = b
	}
}

// WithViolationNotifier alerts administrators whenever the boundary blocks an
// outbound payload.
func WithViolationNotifier(n ViolationNotifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

func WithParams(params extractor.Params) Option {
	return func(p *Pipeline) {
		p.params = params
	}
}

func WithRiskConfig(cfg risk.Config) Option {
	return func(p *Pipeline) {
		p.assessor = risk.New(cfg)
	}
}

// New builds a pipeline over an audit store. The digest key derives stable
// subject digests for cross-session audit grouping; it must stay constant
// across deployments of the same installation.
func New(store audit.Store, digestKey string, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor: extractor.New(),
		assessor:  risk.New(risk.DefaultConfig()),
		store:     store,
		params:    extractor.DefaultParams(),
		digestKey: []byte(digestKey),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SubjectDigest derives the stable, non-reversible digest used to group a
// subject's audit records across sessions. Unlike session tokens it never
// appears outside the audit trail.
func (p *Pipeline) SubjectDigest(subjectID string) string {
	mac := hmac.New(sha256.New, p.digestKey)
	mac.Write([]byte(subjectID))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// stageClock tracks per-stage durations for the audit record.
type stageClock struct {
	current   models.AnalysisStage
	last      time.Time
	durations models.JSONB
}

func newStageClock() *stageClock {
	return &stageClock{
		current:   models.StageCreated,
		last:      time.Now(),
		durations: make(models.JSONB),
	}
}

func (c *stageClock) advance(next models.AnalysisStage) {
	now := time.Now()
	c.durations[string(c.current)] = now.Sub(c.last).Milliseconds()
	c.current = next
	c.last = now
}

// AnalyzeStudent runs the six-stage pipeline: tokenize, extract, assess,
// externally analyze, localize, report. Boundary violations and transport
// failures degrade to a local-only report; only malformed input or an
// oversized record set fail the run.
func (p *Pipeline) AnalyzeStudent(ctx context.Context, subjectID string, records models.DomainRecordSet) (*models.Report, error) {
	started := time.Now()
	clock := newStageClock()
	analysisID := uuid.New()

	sess, err := tokenizer.NewSession()
	if err != nil {
		return nil, fmt.Errorf("creating tokenization session: %w", err)
	}
	defer sess.Destroy()

	logger := p.logger.With("analysis_id", analysisID, "session_id", sess.ID())
	record := &models.AuditRecord{
		ID:            analysisID,
		SessionID:     sess.ID(),
		SubjectDigest: p.SubjectDigest(subjectID),
		StartedAt:     started,
	}

	subjectToken, err := tokenizer.TokenizeIdentifier(sess, subjectID)
	if err != nil {
		p.fail(ctx, record, clock, logger, err)
		return nil, err
	}
	record.SubjectToken = subjectToken

	ref := p.params.ReferenceTime
	if ref.IsZero() {
		ref = started
	}
	snap, err := tokenizer.CreateSnapshot(sess, subjectToken, records, ref, p.params.LookbackWindow)
	if err != nil {
		p.fail(ctx, record, clock, logger, err)
		return nil, err
	}
	clock.advance(models.StageTokenized)
	if snap.SkippedRecords > 0 {
		logger.Warn("skipped malformed records during tokenization", "skipped", snap.SkippedRecords)
	}

	patterns, err := p.extractor.ExtractAll(sess, subjectToken, records, p.params)
	if err != nil {
		p.fail(ctx, record, clock, logger, err)
		return nil, err
	}
	clock.advance(models.StagePatternsExtracted)

	assessment := p.assessor.Assess(subjectToken, patterns)
	clock.advance(models.StageRiskAssessed)
	record.OverallLevel = assessment.OverallLevel
	record.ConfidenceScore = assessment.ConfidenceScore
	record.PatternsFound = len(patterns)

	concerns := append([]string(nil), assessment.ContributingFactors...)
	status, reason, extConcerns := p.externalStage(ctx, clock, logger, record, sess, snap, patterns, assessment)
	concerns = append(concerns, extConcerns...)
	clock.advance(models.StageLocalized)

	report := &models.Report{
		AnalysisID:         analysisID,
		SubjectID:          subjectID,
		RiskAssessment:     assessment,
		IdentifiedConcerns: concerns,
		ExternalAnalysis:   status,
		ExternalReason:     reason,
		GeneratedAt:        time.Now(),
		Metadata: models.AnalysisMetadata{
			Duration:         time.Since(started),
			PatternsFound:    len(patterns),
			RecordsAnalyzed:  records.TotalRecords(),
			PrivacyStatement: privacyStatement,
		},
	}
	clock.advance(models.StageReported)

	record.FinalStage = models.StageReported
	record.StageDurations = clock.durations
	record.ExternalStatus = status
	record.CompletedAt = time.Now()
	if err := p.store.Append(ctx, record); err != nil {
		logger.Error("appending audit record", "error", err)
	}

	privacy := sess.PrivacyReport()
	logger.Info("analysis complete",
		"level", assessment.OverallLevel,
		"patterns", len(patterns),
		"external", status,
		"tokens_issued", privacy.TokensIssued,
		"token_collisions", privacy.Collisions,
		"duration_ms", time.Since(started).Milliseconds())

	return report, nil
}

// externalStage runs the boundary exchange and localization. It returns the
// provenance outcome instead of propagating boundary errors; the pipeline
// always completes with at least the local assessment.
func (p *Pipeline) externalStage(
	ctx context.Context,
	clock *stageClock,
	logger *slog.Logger,
	record *models.AuditRecord,
	sess *tokenizer.Session,
	snap *tokenizer.Snapshot,
	patterns []models.Pattern,
	assessment models.RiskAssessment,
) (models.ExternalStatus, string, []string) {
	if p.boundary == nil {
		return models.ExternalSkipped, "external analysis not configured", nil
	}

	payload := boundary.BuildPayload(snap, patterns, assessment)
	result, err := p.boundary.AnalyzePatterns(ctx, payload)
	clock.advance(models.StageExternallyAnalyzed)

	if err != nil {
		var viol *models.AnonymityViolationError
		if errors.As(err, &viol) {
			record.ViolationBlocked = true
			record.ViolationDetail = fmt.Sprintf("%s blocked by rule %s", viol.Field, viol.RuleName)
			logger.Warn("external call blocked at the boundary", "field", viol.Field, "rule", viol.RuleName)
			if p.notifier != nil {
				if nerr := p.notifier.NotifyBoundaryViolation(ctx, record.ID.String(), viol.Field, viol.RuleName); nerr != nil {
					logger.Error("sending boundary violation alert", "error", nerr)
				}
			}
			return models.ExternalBlocked, "outbound payload failed anonymity verification", nil
		}

		// Outbound verification passed; the failure happened after the
		// payload was cleared to leave.
		record.AnonymityVerified = true
		var respErr *models.ExternalResponseValidationError
		if errors.As(err, &respErr) {
			logger.Warn("external response rejected", "field", respErr.Field, "reason", respErr.Reason)
			return models.ExternalFailed, "external response failed validation", nil
		}
		logger.Warn("external transport failed", "error", err)
		return models.ExternalFailed, "external service unreachable", nil
	}

	record.AnonymityVerified = true

	localized, err := p.boundary.Localize(result, sess)
	if err != nil {
		logger.Warn("localizing external result", "error", err)
		return models.ExternalFailed, "external result could not be localized", nil
	}

	var concerns []string
	if models.RiskRank(localized.AdjustedLevel) > models.RiskRank(assessment.OverallLevel) {
		concerns = append(concerns, fmt.Sprintf("external analysis suggests elevated concern (%s)", localized.AdjustedLevel))
	}
	for _, f := range localized.Focus {
		if f.Raw == "" {
			continue
		}
		concerns = append(concerns, "external analysis highlighted: "+f.Raw)
	}
	return models.ExternalUsed, "", concerns
}

// fail terminates a run: the audit record lands with a FAILED final stage and
// whatever stage durations accumulated.
func (p *Pipeline) fail(ctx context.Context, record *models.AuditRecord, clock *stageClock, logger *slog.Logger, cause error) {
	clock.advance(models.StageFailed)
	record.FinalStage = models.StageFailed
	// A run can only fail before the external stage, so nothing ever
	// approached the boundary.
	record.ExternalStatus = models.ExternalSkipped
	record.StageDurations = clock.durations
	record.CompletedAt = time.Now()
	if err := p.store.Append(ctx, record); err != nil {
		logger.Error("appending audit record for failed analysis", "error", err)
	}
	logger.Warn("analysis failed", "error", cause)
}

// GetAnalysisSummary aggregates a subject's audit history by stable digest.
func (p *Pipeline) GetAnalysisSummary(ctx context.Context, subjectID string) (*models.AnalysisSummary, error) {
	return p.store.SubjectSummary(ctx, p.SubjectDigest(subjectID))
}

// GetComplianceReport compiles the privacy-compliance aggregate over all
// audit records since the given time; zero time means everything.
func (p *Pipeline) GetComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error) {
	return p.store.ComplianceReport(ctx, since)
}
