package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestRunTaskNow_CohortAnalysis(t *testing.T) {
	s := NewScheduler(nil)

	got := make(chan string, 1)
	handlers := &Handlers{
		CohortAnalysisFunc: func(ctx context.Context, cohort string) error {
			got <- cohort
			return nil
		},
	}
	handlers.Register(s)

	task := &Task{
		ID:       "cohort-analysis",
		Name:     "Scheduled cohort re-analysis",
		Schedule: "0 2 * * *",
		Type:     TaskCohortAnalysis,
		Config:   map[string]string{"cohort": "year-9"},
	}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("adding task: %v", err)
	}

	if err := s.RunTaskNow("cohort-analysis"); err != nil {
		t.Fatalf("running task: %v", err)
	}

	select {
	case cohort := <-got:
		if cohort != "year-9" {
			t.Errorf("handler cohort = %q, want year-9", cohort)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cohort handler never ran")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hist := s.History(1)
		if len(hist) == 1 {
			if hist[0].TaskID != "cohort-analysis" || hist[0].Status != StatusCompleted {
				t.Errorf("execution = %+v, want a completed cohort-analysis run", hist[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunTaskNow_Unknown(t *testing.T) {
	s := NewScheduler(nil)
	if err := s.RunTaskNow("missing"); err == nil {
		t.Error("running an unknown task succeeded")
	}
}

func TestExecuteTask_NoHandler(t *testing.T) {
	s := NewScheduler(nil)

	task := &Task{ID: "orphan", Name: "No handler", Schedule: "0 2 * * *", Type: TaskCohortAnalysis}
	if err := s.AddTask(task); err != nil {
		t.Fatalf("adding task: %v", err)
	}
	if err := s.RunTaskNow("orphan"); err != nil {
		t.Fatalf("running task: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hist := s.History(1)
		if len(hist) == 1 {
			if hist[0].Status != StatusFailed {
				t.Errorf("status = %s, want %s for a task without a handler", hist[0].Status, StatusFailed)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
