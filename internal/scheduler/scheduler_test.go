package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	task := TaskFunc{
		TaskName: "counter",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}
	s := NewScheduler(5*time.Millisecond, task, nil)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after Stop", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	if runs.Load() == 0 {
		t.Error("task never ran")
	}
}

func TestScheduler_ErrorDoesNotStopSchedule(t *testing.T) {
	var runs atomic.Int32
	task := TaskFunc{
		TaskName: "flaky",
		Fn: func(ctx context.Context) error {
			runs.Add(1)
			return errors.New("boom")
		},
	}
	s := NewScheduler(5*time.Millisecond, task, nil)

	go s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if runs.Load() < 2 {
		t.Errorf("expected repeated runs despite errors, got %d", runs.Load())
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	task := TaskFunc{TaskName: "noop", Fn: func(ctx context.Context) error { return nil }}
	s := NewScheduler(time.Millisecond, task, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit on cancel")
	}
}
