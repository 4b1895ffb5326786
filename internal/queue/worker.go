package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolsafe/safeguard/internal/analysis"
	"github.com/schoolsafe/safeguard/internal/models"
)

// RecordSource fetches a subject's raw records from the school management
// system. Records fetched here never leave the worker process untokenized.
type RecordSource interface {
	FetchRecords(ctx context.Context, subjectID string) (models.DomainRecordSet, error)
}

// Notifier receives completed reports and batch summaries for alerting.
// Implementations decide their own level gating.
type Notifier interface {
	NotifyReport(ctx context.Context, report *models.Report)
	NotifyBatch(ctx context.Context, jobID string, total, done, highRisk int, duration time.Duration) error
}

type Worker struct {
	id       string
	queue    *Queue
	pipeline *analysis.Pipeline
	source   RecordSource
	notifier Notifier
	logger   *slog.Logger

	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue        *Queue
	Pipeline     *analysis.Pipeline
	Source       RecordSource
	Notifier     Notifier
	Logger       *slog.Logger
	PollInterval time.Duration
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = 5 * time.Second
	}

	return &Worker{
		id:           workerID,
		queue:        cfg.Queue,
		pipeline:     cfg.Pipeline,
		source:       cfg.Source,
		notifier:     cfg.Notifier,
		logger:       logger.With("worker_id", workerID),
		pollInterval: poll,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.logger.Info("worker starting")

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.staleJobSweeper()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopping")
	w.cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				w.logger.Error("dequeuing job", "error", err)
				time.Sleep(w.pollInterval)
				continue
			}

			if job == nil {
				time.Sleep(w.pollInterval)
				continue
			}

			w.logger.Info("processing job", "job_id", job.ID, "subjects", len(job.SubjectIDs))

			if err := w.processJob(job); err != nil {
				w.logger.Warn("job failed", "job_id", job.ID, "error", err)
				w.queue.RequeueJob(w.ctx, job, err.Error())
			} else {
				w.logger.Info("job completed", "job_id", job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

// processJob analyzes each subject in the batch in turn. Individual subject
// failures count against the job but do not stop the remaining subjects; only
// a fully failed batch is requeued.
func (w *Worker) processJob(job *Job) error {
	started := time.Now()
	progress := &JobProgress{
		JobID:         job.ID,
		Status:        JobRunning,
		SubjectsTotal: len(job.SubjectIDs),
		WorkerID:      w.id,
	}

	var failures int
	for _, subjectID := range job.SubjectIDs {
		if w.ctx.Err() != nil {
			return w.ctx.Err()
		}

		records, err := w.source.FetchRecords(w.ctx, subjectID)
		if err != nil {
			failures++
			progress.Errors = append(progress.Errors, fmt.Sprintf("fetching records: %v", err))
			_ = w.queue.UpdateProgress(w.ctx, progress)
			continue
		}

		report, err := w.pipeline.AnalyzeStudent(w.ctx, subjectID, records)
		if err != nil {
			failures++
			progress.Errors = append(progress.Errors, fmt.Sprintf("analysis: %v", err))
			_ = w.queue.UpdateProgress(w.ctx, progress)
			continue
		}

		progress.SubjectsDone++
		if models.RiskRank(report.RiskAssessment.OverallLevel) >= models.RiskRank(models.RiskHigh) {
			progress.HighRiskFound++
		}
		if w.notifier != nil {
			w.notifier.NotifyReport(w.ctx, report)
		}
		_ = w.queue.UpdateProgress(w.ctx, progress)
	}

	if failures > 0 && progress.SubjectsDone == 0 {
		return fmt.Errorf("all %d subjects failed", failures)
	}

	if w.notifier != nil {
		err := w.notifier.NotifyBatch(w.ctx, job.ID.String(),
			progress.SubjectsTotal, progress.SubjectsDone, progress.HighRiskFound,
			time.Since(started))
		if err != nil {
			w.logger.Error("sending batch summary", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) staleJobSweeper() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				w.logger.Error("cleaning stale jobs", "error", err)
			} else if cleaned > 0 {
				w.logger.Info("cleaned up stale jobs", "count", cleaned)
			}
		}
	}
}
