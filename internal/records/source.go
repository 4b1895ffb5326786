// Package records loads per-subject domain records from the school
// management database. It is the only package that reads raw student data;
// everything downstream of the tokenizer sees tokens.
package records

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/schoolsafe/safeguard/internal/models"
)

// PostgresSource fetches a subject's records across all four domains.
type PostgresSource struct {
	db       *sqlx.DB
	lookback time.Duration
}

func NewPostgresSource(db *sqlx.DB, lookback time.Duration) *PostgresSource {
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &PostgresSource{db: db, lookback: lookback}
}

func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to records database: %w", err)
	}
	return db, nil
}

func (s *PostgresSource) FetchRecords(ctx context.Context, subjectID string) (models.DomainRecordSet, error) {
	var set models.DomainRecordSet
	since := time.Now().Add(-s.lookback)

	type behavioralRow struct {
		Category   string    `db:"category"`
		OccurredAt time.Time `db:"occurred_at"`
		Severity   int       `db:"severity"`
	}
	var behavioral []behavioralRow
	err := s.db.SelectContext(ctx, &behavioral, `
		SELECT category, occurred_at, severity
		FROM behavioral_incidents
		WHERE student_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at`, subjectID, since)
	if err != nil {
		return set, fmt.Errorf("fetching behavioral incidents: %w", err)
	}
	for _, r := range behavioral {
		set.Behavioral = append(set.Behavioral, models.BehavioralIncident{
			Category:   r.Category,
			OccurredAt: r.OccurredAt,
			Severity:   r.Severity,
		})
	}

	type assessmentRow struct {
		Subject    string    `db:"subject"`
		AssessedAt time.Time `db:"assessed_at"`
		Level      int       `db:"level"`
		Benchmark  int       `db:"benchmark"`
	}
	var assessments []assessmentRow
	err = s.db.SelectContext(ctx, &assessments, `
		SELECT subject, assessed_at, level, benchmark
		FROM academic_assessments
		WHERE student_id = $1 AND assessed_at >= $2
		ORDER BY assessed_at`, subjectID, since)
	if err != nil {
		return set, fmt.Errorf("fetching assessments: %w", err)
	}
	for _, r := range assessments {
		set.Academic = append(set.Academic, models.AssessmentRecord{
			Subject:    r.Subject,
			AssessedAt: r.AssessedAt,
			Level:      r.Level,
			Benchmark:  r.Benchmark,
		})
	}

	type communicationRow struct {
		Source  string    `db:"source"`
		SentAt  time.Time `db:"sent_at"`
		Urgency int       `db:"urgency"`
	}
	var communications []communicationRow
	err = s.db.SelectContext(ctx, &communications, `
		SELECT source, sent_at, urgency
		FROM communication_events
		WHERE student_id = $1 AND sent_at >= $2
		ORDER BY sent_at`, subjectID, since)
	if err != nil {
		return set, fmt.Errorf("fetching communication events: %w", err)
	}
	for _, r := range communications {
		set.Communication = append(set.Communication, models.CommunicationRecord{
			Source:  r.Source,
			SentAt:  r.SentAt,
			Urgency: r.Urgency,
		})
	}

	type attendanceRow struct {
		WeekStarting time.Time `db:"week_starting"`
		Rate         float64   `db:"rate"`
	}
	var attendance []attendanceRow
	err = s.db.SelectContext(ctx, &attendance, `
		SELECT week_starting, rate
		FROM attendance_weeks
		WHERE student_id = $1 AND week_starting >= $2
		ORDER BY week_starting`, subjectID, since)
	if err != nil {
		return set, fmt.Errorf("fetching attendance: %w", err)
	}
	for _, r := range attendance {
		set.Attendance = append(set.Attendance, models.AttendanceRecord{
			WeekStarting: r.WeekStarting,
			Rate:         r.Rate,
		})
	}

	return set, nil
}

// ListCohort returns the subject IDs of students in a cohort, for batch
// scheduling. An empty cohort selects every active student.
func (s *PostgresSource) ListCohort(ctx context.Context, cohort string) ([]string, error) {
	var ids []string
	var err error
	if cohort == "" {
		err = s.db.SelectContext(ctx, &ids, `
			SELECT id FROM students WHERE active ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &ids, `
			SELECT id FROM students WHERE active AND cohort = $1 ORDER BY id`, cohort)
	}
	if err != nil {
		return nil, fmt.Errorf("listing cohort: %w", err)
	}
	return ids, nil
}
