package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/audit"
	"github.com/schoolsafe/safeguard/internal/models"
	"github.com/schoolsafe/safeguard/internal/queue"
	"github.com/schoolsafe/safeguard/internal/reports"
)

type analysisRequest struct {
	SubjectID string                 `json:"subject_id"`
	Records   models.DomainRecordSet `json:"records"`
}

// runAnalysis executes the full pipeline synchronously for one subject.
func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.SubjectID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "subject_id is required")
		return
	}

	report, err := s.pipeline.AnalyzeStudent(r.Context(), req.SubjectID, req.Records)
	if err != nil {
		var malformed *models.MalformedInputError
		if errors.As(err, &malformed) {
			respondError(w, http.StatusBadRequest, "malformed_input", malformed.Error())
			return
		}
		var tooLarge *models.PayloadTooLargeError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "too_many_records", tooLarge.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "analysis_error", err.Error())
		return
	}

	s.notificationService.NotifyReport(r.Context(), report)

	respondJSON(w, http.StatusOK, report)
}

func (s *Server) getAnalysisRecord(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "analysisID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid analysis ID")
		return
	}

	record, err := s.store.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "not_found", "Analysis record not found")
		return
	}

	respondJSON(w, http.StatusOK, record)
}

type subjectSummaryRequest struct {
	SubjectID string `json:"subject_id"`
}

// getSubjectSummary is a POST so subject identifiers never appear in URLs or
// access logs.
func (s *Server) getSubjectSummary(w http.ResponseWriter, r *http.Request) {
	var req subjectSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.SubjectID == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "subject_id is required")
		return
	}

	summary, err := s.pipeline.GetAnalysisSummary(r.Context(), req.SubjectID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) listAuditRecords(w http.ResponseWriter, r *http.Request) {
	filters := audit.ListFilters{
		Limit:  50,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			filters.Limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			filters.Offset = parsed
		}
	}
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		level := models.RiskLevel(lvl)
		filters.OverallLevel = &level
	}
	if st := r.URL.Query().Get("stage"); st != "" {
		stage := models.AnalysisStage(st)
		filters.FinalStage = &stage
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
			return
		}
		filters.Since = &t
	}

	records, total, err := s.store.List(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, records, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getComplianceReport(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
			return
		}
		since = t
	}

	report, err := s.pipeline.GetComplianceReport(r.Context(), since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, report)
}

type generateReportRequest struct {
	Type   reports.ReportType   `json:"type"`
	Format reports.ReportFormat `json:"format"`
	Title  string               `json:"title"`
	Since  *time.Time           `json:"since,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Type == "" || req.Format == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type and format are required")
		return
	}

	export, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:   req.Type,
		Format: req.Format,
		Title:  req.Title,
		Since:  req.Since,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", export.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	req := &reports.ReportRequest{Type: reports.ReportTypeAuditTrail}
	if q := r.URL.Query().Get("since"); q != "" {
		t, err := time.Parse(time.RFC3339, q)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_since", "since must be RFC3339")
			return
		}
		req.Since = &t
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit_trail.csv"`)

	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {
		s.logger.Error("streaming csv report", "error", err)
	}
}

type enqueueBatchRequest struct {
	SubjectIDs []string `json:"subject_ids"`
	Priority   int      `json:"priority"`
}

func (s *Server) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_disabled", "Batch analysis is not configured")
		return
	}

	var req enqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if len(req.SubjectIDs) == 0 {
		respondError(w, http.StatusBadRequest, "validation_error", "subject_ids is required")
		return
	}

	job := &queue.Job{
		SubjectIDs: req.SubjectIDs,
		Priority:   req.Priority,
	}
	if err := s.queue.EnqueueAnalysisJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   job.ID,
		"subjects": len(job.SubjectIDs),
	})
}

func (s *Server) getBatchProgress(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_disabled", "Batch analysis is not configured")
		return
	}

	idStr := chi.URLParam(r, "jobID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid job ID")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue_disabled", "Batch analysis is not configured")
		return
	}

	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}

	workers, _ := s.queue.GetActiveWorkers(r.Context(), 30*time.Second)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":           stats,
		"active_workers": workers,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.scheduler.Tasks())
}

func (s *Server) runTaskNow(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.scheduler.RunTaskNow(taskID); err != nil {
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) getTaskHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	respondJSON(w, http.StatusOK, s.scheduler.History(limit))
}
