package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schoolsafe/safeguard/internal/analysis"
	"github.com/schoolsafe/safeguard/internal/audit"
	"github.com/schoolsafe/safeguard/internal/boundary"
	"github.com/schoolsafe/safeguard/internal/config"
	"github.com/schoolsafe/safeguard/internal/extractor"
	"github.com/schoolsafe/safeguard/internal/notifications"
	"github.com/schoolsafe/safeguard/internal/queue"
	"github.com/schoolsafe/safeguard/internal/records"
	"github.com/schoolsafe/safeguard/internal/scheduler"
)

var _ queue.Notifier = (*notifications.Service)(nil)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("safeguard-worker v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	store, err := audit.NewPostgresStore(audit.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		logger.Error("initializing audit store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	db, err := records.Connect(cfg.Database.DSN())
	if err != nil {
		logger.Error("connecting to records database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	source := records.NewPostgresSource(db, cfg.Analysis.LookbackWindow)

	q, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	notifier := notifications.NewService(notifications.Config{
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
	}, logger)

	pipelineOpts := []analysis.Option{
		analysis.WithLogger(logger),
		analysis.WithParams(extractor.Params{
			MinFrequency:   cfg.Analysis.MinFrequency,
			LookbackWindow: cfg.Analysis.LookbackWindow,
			MaxRecords:     cfg.Analysis.MaxRecords,
		}),
		analysis.WithRiskConfig(cfg.Analysis.Risk),
		analysis.WithViolationNotifier(notifier),
	}
	if cfg.Boundary.Enabled {
		transport := boundary.NewHTTPTransport(cfg.Boundary.Endpoint, boundary.WithAPIKey(cfg.Boundary.APIKey))
		pipelineOpts = append(pipelineOpts, analysis.WithBoundary(boundary.New(transport,
			boundary.WithLogger(logger),
			boundary.WithTimeout(cfg.Boundary.Timeout),
		)))
	}
	pipeline := analysis.New(store, cfg.Analysis.DigestKey, pipelineOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	sched := scheduler.NewScheduler(logger)
	handlers := &scheduler.Handlers{
		CohortAnalysisFunc: func(ctx context.Context, cohort string) error {
			ids, err := source.ListCohort(ctx, cohort)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				logger.Info("cohort analysis found no active students", "cohort", cohort)
				return nil
			}
			job := &queue.Job{SubjectIDs: ids}
			if err := q.EnqueueAnalysisJob(ctx, job); err != nil {
				return err
			}
			logger.Info("enqueued cohort analysis", "job_id", job.ID, "subjects", len(ids))
			return nil
		},
	}
	handlers.Register(sched)

	if cfg.Scheduler.Enabled {
		task := &scheduler.Task{
			ID:       "cohort-analysis",
			Name:     "Scheduled cohort re-analysis",
			Schedule: cfg.Scheduler.BatchSchedule,
			Type:     scheduler.TaskCohortAnalysis,
			Config:   map[string]string{"cohort": cfg.Scheduler.Cohort},
			Enabled:  true,
		}
		if err := sched.AddTask(task); err != nil {
			logger.Error("scheduling cohort analysis", "error", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	count := cfg.Worker.Count
	if count <= 0 {
		count = 1
	}

	workers := make([]*queue.Worker, 0, count)
	for i := 0; i < count; i++ {
		w := queue.NewWorker(queue.WorkerConfig{
			Queue:        q,
			Pipeline:     pipeline,
			Source:       source,
			Notifier:     notifier,
			Logger:       logger,
			PollInterval: cfg.Worker.PollInterval,
		})
		if err := w.Start(ctx); err != nil {
			logger.Error("starting worker", "error", err)
			os.Exit(1)
		}
		workers = append(workers, w)
		logger.Info("worker started", "worker_id", w.ID())
	}

	<-ctx.Done()

	for _, w := range workers {
		w.Stop()
	}
	logger.Info("workers stopped")
}
