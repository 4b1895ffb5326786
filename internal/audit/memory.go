package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/models"
)

// MemoryStore is the in-process audit trail for single-node deployments and
// tests. Append-only under a mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	records []models.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, record *models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	record.CreatedAt = time.Now()
	s.records = append(s.records, *record)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.records {
		if s.records[i].ID == id {
			r := s.records[i]
			return &r, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListBySubject(_ context.Context, subjectDigest string, limit int) ([]models.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditRecord
	// Newest first, matching the database ordering.
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].SubjectDigest != subjectDigest {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, filters ListFilters) ([]models.AuditRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		r := s.records[i]
		if filters.SubjectDigest != nil && r.SubjectDigest != *filters.SubjectDigest {
			continue
		}
		if filters.OverallLevel != nil && r.OverallLevel != *filters.OverallLevel {
			continue
		}
		if filters.FinalStage != nil && r.FinalStage != *filters.FinalStage {
			continue
		}
		if filters.Since != nil && r.CreatedAt.Before(*filters.Since) {
			continue
		}
		matched = append(matched, r)
	}

	total := len(matched)
	if filters.Offset > 0 {
		if filters.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filters.Offset:]
	}
	if filters.Limit > 0 && len(matched) > filters.Limit {
		matched = matched[:filters.Limit]
	}
	return matched, total, nil
}

func (s *MemoryStore) SubjectSummary(ctx context.Context, subjectDigest string) (*models.AnalysisSummary, error) {
	records, err := s.ListBySubject(ctx, subjectDigest, 0)
	if err != nil {
		return nil, err
	}
	return summarize(subjectDigest, records), nil
}

func (s *MemoryStore) ComplianceReport(_ context.Context, since time.Time) (*models.ComplianceReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditRecord
	for _, r := range s.records {
		if r.CreatedAt.Before(since) {
			continue
		}
		matched = append(matched, r)
	}
	return compile(matched), nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	var purged int64
	for _, r := range s.records {
		if r.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return purged, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
