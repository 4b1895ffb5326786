package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/schoolsafe/safeguard/internal/models"
)

// Store is the append-only audit trail. Records carry subject digests and
// session tokens only, so the trail stays useful after sessions are destroyed
// without ever holding raw identifiers.
type Store interface {
	Append(ctx context.Context, record *models.AuditRecord) error
	Get(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error)
	ListBySubject(ctx context.Context, subjectDigest string, limit int) ([]models.AuditRecord, error)
	List(ctx context.Context, filters ListFilters) ([]models.AuditRecord, int, error)
	SubjectSummary(ctx context.Context, subjectDigest string) (*models.AnalysisSummary, error)
	ComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

type ListFilters struct {
	SubjectDigest *string
	OverallLevel  *models.RiskLevel
	FinalStage    *models.AnalysisStage
	Since         *time.Time
	Limit         int
	Offset        int
}

// PostgresStore persists audit records in Postgres.
type PostgresStore struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func NewPostgresStore(cfg Config) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Append(ctx context.Context, record *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (
			id, session_id, subject_digest, subject_token, final_stage, stage_durations,
			anonymity_verified, violation_blocked, violation_detail, external_status,
			overall_level, confidence_score, patterns_found, started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now()

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.SessionID, record.SubjectDigest, record.SubjectToken,
		record.FinalStage, record.StageDurations,
		record.AnonymityVerified, record.ViolationBlocked, record.ViolationDetail,
		record.ExternalStatus, record.OverallLevel, record.ConfidenceScore,
		record.PatternsFound, record.StartedAt, record.CompletedAt, record.CreatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	var record models.AuditRecord
	query := `SELECT * FROM audit_records WHERE id = $1`
	err := s.db.GetContext(ctx, &record, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &record, err
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectDigest string, limit int) ([]models.AuditRecord, error) {
	var records []models.AuditRecord
	query := `SELECT * FROM audit_records WHERE subject_digest = $1 ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	err := s.db.SelectContext(ctx, &records, query, subjectDigest)
	return records, err
}

func (s *PostgresStore) List(ctx context.Context, filters ListFilters) ([]models.AuditRecord, int, error) {
	baseQuery := `FROM audit_records WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.SubjectDigest != nil {
		baseQuery += fmt.Sprintf(" AND subject_digest = $%d", argIdx)
		args = append(args, *filters.SubjectDigest)
		argIdx++
	}
	if filters.OverallLevel != nil {
		baseQuery += fmt.Sprintf(" AND overall_level = $%d", argIdx)
		args = append(args, *filters.OverallLevel)
		argIdx++
	}
	if filters.FinalStage != nil {
		baseQuery += fmt.Sprintf(" AND final_stage = $%d", argIdx)
		args = append(args, *filters.FinalStage)
		argIdx++
	}
	if filters.Since != nil {
		baseQuery += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.Since)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var records []models.AuditRecord
	if err := s.db.SelectContext(ctx, &records, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return records, total, nil
}

func (s *PostgresStore) SubjectSummary(ctx context.Context, subjectDigest string) (*models.AnalysisSummary, error) {
	records, err := s.ListBySubject(ctx, subjectDigest, 0)
	if err != nil {
		return nil, err
	}
	return summarize(subjectDigest, records), nil
}

func (s *PostgresStore) ComplianceReport(ctx context.Context, since time.Time) (*models.ComplianceReport, error) {
	var records []models.AuditRecord
	query := `SELECT * FROM audit_records WHERE created_at >= $1 ORDER BY created_at DESC`
	if err := s.db.SelectContext(ctx, &records, query, since); err != nil {
		return nil, err
	}
	return compile(records), nil
}

func (s *PostgresStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// summarize folds a subject's records into one summary. Shared by both store
// implementations so summaries never diverge between them.
func summarize(subjectDigest string, records []models.AuditRecord) *models.AnalysisSummary {
	summary := &models.AnalysisSummary{
		SubjectDigest: subjectDigest,
		TotalAnalyses: len(records),
		ByRiskLevel:   make(map[string]int),
	}
	if len(records) == 0 {
		return summary
	}

	var confidenceSum float64
	latest := records[0]
	for _, r := range records {
		if r.OverallLevel != "" {
			summary.ByRiskLevel[string(r.OverallLevel)]++
		}
		confidenceSum += r.ConfidenceScore
		if r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}

	summary.AverageConfidence = confidenceSum / float64(len(records))
	summary.LastLevel = latest.OverallLevel
	t := latest.CreatedAt
	summary.LastAnalyzedAt = &t
	return summary
}

func compile(records []models.AuditRecord) *models.ComplianceReport {
	report := &models.ComplianceReport{
		TotalAnalyses: len(records),
		ByRiskLevel:   make(map[string]int),
		ExternalUsage: make(map[string]int),
		GeneratedAt:   time.Now(),
	}

	var confidenceSum float64
	for _, r := range records {
		if r.OverallLevel != "" {
			report.ByRiskLevel[string(r.OverallLevel)]++
		}
		confidenceSum += r.ConfidenceScore
		if r.AnonymityVerified {
			report.AnonymityVerifiedCount++
		}
		if r.ViolationBlocked {
			report.OutboundViolationsBlocked++
		}
		if r.ExternalStatus != "" {
			report.ExternalUsage[string(r.ExternalStatus)]++
		}
	}
	if len(records) > 0 {
		report.AverageConfidence = confidenceSum / float64(len(records))
	}

	// Zero-leak holds when every external exchange was either verified clean
	// or blocked before leaving.
	report.ZeroLeakConfirmed = report.AnonymityVerifiedCount+report.OutboundViolationsBlocked+
		report.ExternalUsage[string(models.ExternalSkipped)] >= report.TotalAnalyses

	return report
}
