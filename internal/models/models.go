package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

type Domain string

const (
	DomainBehavioral    Domain = "BEHAVIORAL"
	DomainAcademic      Domain = "ACADEMIC"
	DomainCommunication Domain = "COMMUNICATION"
	DomainAttendance    Domain = "ATTENDANCE"
)

// Domains lists every record domain the pipeline understands, in extraction order.
func Domains() []Domain {
	return []Domain{DomainBehavioral, DomainAcademic, DomainCommunication, DomainAttendance}
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityRank maps a severity to its ordinal position. Unknown values rank 0.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskRank maps a risk level to its ordinal position.
func RiskRank(l RiskLevel) int {
	return SeverityRank(Severity(l))
}

type Trend string

const (
	TrendEscalating Trend = "ESCALATING"
	TrendPersistent Trend = "PERSISTENT"
	TrendScattered  Trend = "SCATTERED"
)

type PatternType string

const (
	PatternBehavioralFrequency     PatternType = "BEHAVIORAL_FREQUENCY"
	PatternAcademicDecline         PatternType = "ACADEMIC_DECLINE"
	PatternCommunicationEscalation PatternType = "COMMUNICATION_ESCALATION"
	PatternAttendanceWithdrawal    PatternType = "ATTENDANCE_WITHDRAWAL"
	PatternCrossDomain             PatternType = "CROSS_DOMAIN"
)

// Token is an opaque, session-scoped stand-in for a raw value. The wire shape
// is "<prefix>_<16 hex chars>"; the suffix is one-way derived and carries no
// recoverable content.
type Token string

type TokenType string

const (
	TokenSubject       TokenType = "subj"
	TokenBehaviorCat   TokenType = "beh"
	TokenAcademicBand  TokenType = "acad"
	TokenCommSource    TokenType = "comm"
	TokenAttendance    TokenType = "att"
	TokenFrequencyBand TokenType = "freq"
	TokenTrendTag      TokenType = "trend"
	TokenScoreBand     TokenType = "band"
)

var tokenShape = regexp.MustCompile(`^(subj|beh|acad|comm|att|freq|trend|band)_[0-9a-f]{16}$`)

// IsToken reports whether a string has the token namespace shape.
func IsToken(s string) bool {
	return tokenShape.MatchString(s)
}

// Type returns the token's type prefix, or "" when the token is malformed.
func (t Token) Type() TokenType {
	if !IsToken(string(t)) {
		return ""
	}
	for i := 0; i < len(t); i++ {
		if t[i] == '_' {
			return TokenType(t[:i])
		}
	}
	return ""
}

type FrequencyBand string

const (
	FrequencyBandLow    FrequencyBand = "LOW"
	FrequencyBandMedium FrequencyBand = "MEDIUM"
	FrequencyBandHigh   FrequencyBand = "HIGH"
)

// BehavioralIncident is one logged incident. Free text must be stripped by the
// caller before records reach the pipeline.
type BehavioralIncident struct {
	Category   string    `json:"category"`
	OccurredAt time.Time `json:"occurred_at"`
	Severity   int       `json:"severity"` // 1 (minor) .. 5 (serious)
}

// AssessmentRecord is one academic assessment against an expected benchmark.
type AssessmentRecord struct {
	Subject    string    `json:"subject"`
	AssessedAt time.Time `json:"assessed_at"`
	Level      int       `json:"level"`
	Benchmark  int       `json:"benchmark"`
}

// CommunicationRecord is one concern-raising contact (source identifier only,
// never message content).
type CommunicationRecord struct {
	Source  string    `json:"source"`
	SentAt  time.Time `json:"sent_at"`
	Urgency int       `json:"urgency"` // 1 (routine) .. 5 (urgent)
}

// AttendanceRecord is one attendance-rate observation for a period.
type AttendanceRecord struct {
	WeekStarting time.Time `json:"week_starting"`
	Rate         float64   `json:"rate"` // 0.0 .. 1.0
}

// DomainRecordSet carries one subject's raw records across all four domains.
type DomainRecordSet struct {
	Behavioral    []BehavioralIncident  `json:"behavioral,omitempty"`
	Academic      []AssessmentRecord    `json:"academic,omitempty"`
	Communication []CommunicationRecord `json:"communication,omitempty"`
	Attendance    []AttendanceRecord    `json:"attendance,omitempty"`
}

func (s DomainRecordSet) TotalRecords() int {
	return len(s.Behavioral) + len(s.Academic) + len(s.Communication) + len(s.Attendance)
}

// Pattern is a detected signal within one domain, expressed over tokens.
// Immutable once produced for a given analysis run.
type Pattern struct {
	Type          PatternType `json:"type"`
	Token         Token       `json:"token"`
	Severity      Severity    `json:"severity"`
	Evidence      []string    `json:"evidence"` // opaque references into the snapshot
	TemporalTrend Trend       `json:"temporal_trend"`
	Domain        Domain      `json:"domain"`
	Window        string      `json:"window"` // relative window label, e.g. "past_4_weeks"
}

// DomainCombination records a set of co-occurring medium-or-higher domains.
type DomainCombination struct {
	Domains []Domain `json:"domains"`
}

type RiskAssessment struct {
	SubjectToken        Token               `json:"subject_token"`
	OverallLevel        RiskLevel           `json:"overall_level"`
	Score               float64             `json:"score"`
	ConfidenceScore     float64             `json:"confidence_score"`
	IdentifiedPatterns  []Pattern           `json:"identified_patterns"`
	PatternCombinations []DomainCombination `json:"pattern_combinations"`
	ContributingFactors []string            `json:"contributing_factors"`
	AssessedAt          time.Time           `json:"assessed_at"`
}

type ExternalStatus string

const (
	ExternalUsed    ExternalStatus = "used"
	ExternalSkipped ExternalStatus = "skipped"
	ExternalBlocked ExternalStatus = "blocked"
	ExternalFailed  ExternalStatus = "failed"
)

type AnalysisStage string

const (
	StageCreated            AnalysisStage = "CREATED"
	StageTokenized          AnalysisStage = "TOKENIZED"
	StagePatternsExtracted  AnalysisStage = "PATTERNS_EXTRACTED"
	StageRiskAssessed       AnalysisStage = "RISK_ASSESSED"
	StageExternallyAnalyzed AnalysisStage = "EXTERNALLY_ANALYZED"
	StageLocalized          AnalysisStage = "LOCALIZED"
	StageReported           AnalysisStage = "REPORTED"
	StageFailed             AnalysisStage = "FAILED"
)

// AnalysisMetadata is the caller-visible trailer on every report.
type AnalysisMetadata struct {
	Duration         time.Duration `json:"duration_ns"`
	PatternsFound    int           `json:"patterns_found"`
	RecordsAnalyzed  int           `json:"records_analyzed"`
	PrivacyStatement string        `json:"privacy_statement"`
}

// Report is the localized result handed back to the caller. It carries no
// token mapping; identified concerns are rendered locally.
type Report struct {
	AnalysisID         uuid.UUID        `json:"analysis_id"`
	SubjectID          string           `json:"subject_id"`
	RiskAssessment     RiskAssessment   `json:"risk_assessment"`
	IdentifiedConcerns []string         `json:"identified_concerns"`
	ExternalAnalysis   ExternalStatus   `json:"external_analysis"`
	ExternalReason     string           `json:"external_reason,omitempty"`
	Metadata           AnalysisMetadata `json:"analysis_metadata"`
	GeneratedAt        time.Time        `json:"generated_at"`
}

// ExternalAnalysisUsed reports whether the external reasoning service
// contributed to this report.
func (r *Report) ExternalAnalysisUsed() bool {
	return r.ExternalAnalysis == ExternalUsed
}

// JSONB handles map persistence for the audit store.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// AuditRecord is one append-only entry per analysis. It identifies the subject
// only by session token and stable digest; raw identifiers never reach it.
type AuditRecord struct {
	ID                uuid.UUID      `json:"id" db:"id"`
	SessionID         uuid.UUID      `json:"session_id" db:"session_id"`
	SubjectDigest     string         `json:"subject_digest" db:"subject_digest"`
	SubjectToken      Token          `json:"subject_token" db:"subject_token"`
	FinalStage        AnalysisStage  `json:"final_stage" db:"final_stage"`
	StageDurations    JSONB          `json:"stage_durations" db:"stage_durations"`
	AnonymityVerified bool           `json:"anonymity_verified" db:"anonymity_verified"`
	ViolationBlocked  bool           `json:"violation_blocked" db:"violation_blocked"`
	ViolationDetail   string         `json:"violation_detail,omitempty" db:"violation_detail"`
	ExternalStatus    ExternalStatus `json:"external_status" db:"external_status"`
	OverallLevel      RiskLevel      `json:"overall_level" db:"overall_level"`
	ConfidenceScore   float64        `json:"confidence_score" db:"confidence_score"`
	PatternsFound     int            `json:"patterns_found" db:"patterns_found"`
	StartedAt         time.Time      `json:"started_at" db:"started_at"`
	CompletedAt       time.Time      `json:"completed_at" db:"completed_at"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
}

// AnalysisSummary aggregates a subject's accumulated audit records.
type AnalysisSummary struct {
	SubjectDigest     string         `json:"subject_digest"`
	TotalAnalyses     int            `json:"total_analyses"`
	ByRiskLevel       map[string]int `json:"by_risk_level"`
	AverageConfidence float64        `json:"average_confidence"`
	LastLevel         RiskLevel      `json:"last_level,omitempty"`
	LastAnalyzedAt    *time.Time     `json:"last_analyzed_at,omitempty"`
}

// ComplianceReport is the aggregate privacy-compliance view exposed to
// administrative callers.
type ComplianceReport struct {
	TotalAnalyses             int            `json:"total_analyses"`
	ByRiskLevel               map[string]int `json:"by_risk_level"`
	AverageConfidence         float64        `json:"average_confidence"`
	AnonymityVerifiedCount    int            `json:"anonymity_verified_count"`
	OutboundViolationsBlocked int            `json:"outbound_violations_blocked"`
	ExternalUsage             map[string]int `json:"external_usage"`
	ZeroLeakConfirmed         bool           `json:"zero_leak_confirmed"`
	GeneratedAt               time.Time      `json:"generated_at"`
}
