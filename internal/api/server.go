package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schoolsafe/safeguard/internal/analysis"
	"github.com/schoolsafe/safeguard/internal/audit"
	"github.com/schoolsafe/safeguard/internal/boundary"
	"github.com/schoolsafe/safeguard/internal/config"
	"github.com/schoolsafe/safeguard/internal/extractor"
	"github.com/schoolsafe/safeguard/internal/notifications"
	"github.com/schoolsafe/safeguard/internal/queue"
	"github.com/schoolsafe/safeguard/internal/reports"
	"github.com/schoolsafe/safeguard/internal/scheduler"
)

// Server exposes the analysis pipeline, audit queries and report exports.
// Raw records enter through it; nothing leaves it but reports, aggregates
// and digests.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	store    audit.Store
	pipeline *analysis.Pipeline
	queue    *queue.Queue

	scheduler           *scheduler.Scheduler
	reportGenerator     *reports.Generator
	notificationService *notifications.Service
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore overrides the Postgres audit store, for single-node and test
// deployments.
func WithStore(store audit.Store) ServerOption {
	return func(s *Server) {
		s.store = store
	}
}

// WithQueue enables the batch-analysis endpoints.
func WithQueue(q *queue.Queue) ServerOption {
	return func(s *Server) {
		s.queue = q
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.store == nil {
		st, err := audit.NewPostgresStore(audit.Config{
			DSN:          cfg.Database.DSN(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing audit store: %w", err)
		}
		s.store = st
	}

	s.notificationService = notifications.NewService(notifications.Config{
		Slack: notifications.SlackConfig{
			WebhookURL: cfg.Notifications.Slack.WebhookURL,
			Channel:    cfg.Notifications.Slack.Channel,
			Username:   "Safeguarding Bot",
			IconEmoji:  ":shield:",
			Enabled:    cfg.Notifications.Slack.Enabled,
			MinLevel:   cfg.Notifications.MinLevel,
		},
		Email: notifications.EmailConfig{
			SMTPHost: cfg.Notifications.Email.SMTPHost,
			SMTPPort: cfg.Notifications.Email.SMTPPort,
			Username: cfg.Notifications.Email.Username,
			Password: cfg.Notifications.Email.Password,
			From:     cfg.Notifications.Email.From,
			To:       cfg.Notifications.Email.To,
			Enabled:  cfg.Notifications.Email.Enabled,
			MinLevel: cfg.Notifications.MinLevel,
		},
	}, s.logger)

	pipelineOpts := []analysis.Option{
		analysis.WithLogger(s.logger),
		analysis.WithParams(extractor.Params{
			MinFrequency:   cfg.Analysis.MinFrequency,
			LookbackWindow: cfg.Analysis.LookbackWindow,
			MaxRecords:     cfg.Analysis.MaxRecords,
		}),
		analysis.WithRiskConfig(cfg.Analysis.Risk),
		analysis.WithViolationNotifier(s.notificationService),
	}
	if cfg.Boundary.Enabled {
		transport := boundary.NewHTTPTransport(cfg.Boundary.Endpoint, boundary.WithAPIKey(cfg.Boundary.APIKey))
		pipelineOpts = append(pipelineOpts, analysis.WithBoundary(boundary.New(transport,
			boundary.WithLogger(s.logger),
			boundary.WithTimeout(cfg.Boundary.Timeout),
		)))
	}
	s.pipeline = analysis.New(s.store, cfg.Analysis.DigestKey, pipelineOpts...)

	s.reportGenerator = reports.NewGenerator(s.store)

	s.scheduler = scheduler.NewScheduler(s.logger)
	s.setupScheduledTasks()

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

func (s *Server) setupScheduledTasks() {
	handlers := &scheduler.Handlers{
		RetentionFunc: func(ctx context.Context, olderThan time.Duration) error {
			purged, err := s.store.PurgeOlderThan(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			s.logger.Info("audit retention sweep", "purged", purged)
			return nil
		},
	}
	if s.queue != nil {
		handlers.StaleSweepFunc = func(ctx context.Context) error {
			_, err := s.queue.CleanupStaleJobs(ctx, 30*time.Minute)
			return err
		}
	}
	handlers.Register(s.scheduler)

	if !s.cfg.Scheduler.Enabled {
		return
	}

	retention := &scheduler.Task{
		ID:       "audit-retention",
		Name:     "Audit record retention sweep",
		Schedule: s.cfg.Scheduler.SweepSchedule,
		Type:     scheduler.TaskAuditRetention,
		Config:   map[string]string{"retention_days": fmt.Sprintf("%d", s.cfg.Scheduler.AuditRetention)},
		Enabled:  true,
	}
	if err := s.scheduler.AddTask(retention); err != nil {
		s.logger.Error("scheduling retention task", "error", err)
	}

	if s.queue != nil {
		sweep := &scheduler.Task{
			ID:       "stale-job-sweep",
			Name:     "Stale batch job sweep",
			Schedule: "*/15 * * * *",
			Type:     scheduler.TaskStaleJobSweep,
			Enabled:  true,
		}
		if err := s.scheduler.AddTask(sweep); err != nil {
			s.logger.Error("scheduling stale job sweep", "error", err)
		}
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(jsonContentType)
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/analyses", s.runAnalysis)
		r.Get("/analyses/{analysisID}", s.getAnalysisRecord)

		r.Post("/subjects/summary", s.getSubjectSummary)

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", s.listAuditRecords)
			r.Get("/compliance", s.getComplianceReport)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Post("/generate", s.generateReport)
			r.Get("/stream", s.streamCSVReport)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.enqueueBatch)
			r.Get("/{jobID}", s.getBatchProgress)
			r.Get("/stats", s.getQueueStats)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/{taskID}/run", s.runTaskNow)
			r.Get("/history", s.getTaskHistory)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Scheduler.Enabled {
		s.scheduler.Start()
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", "Audit store not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
