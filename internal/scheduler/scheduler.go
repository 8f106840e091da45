package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of recurring work.
type Task interface {
	Name() string
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) Name() string                      { return t.TaskName }
func (t TaskFunc) Execute(ctx context.Context) error { return t.Fn(ctx) }

// Scheduler runs a task on a fixed interval. A failing run is logged
// and the schedule continues; only context cancellation or Stop ends
// the loop.
type Scheduler struct {
	interval time.Duration
	task     Task
	log      *zap.Logger
	stopCh   chan struct{}
}

// NewScheduler creates a scheduler for task.
func NewScheduler(interval time.Duration, task Task, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		task:     task,
		log:      log.With(zap.String("task", task.Name())),
		stopCh:   make(chan struct{}),
	}
}

// Start blocks, running the task every interval until ctx is cancelled
// or Stop is called. Runs do not overlap: the next tick waits for the
// previous run to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.stopCh:
			return nil

		case <-ticker.C:
			if err := s.task.Execute(ctx); err != nil {
				s.log.Error("task run failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the loop after the current run.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}
