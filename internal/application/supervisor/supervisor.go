// Package supervisor owns the lifecycle of the Discovery and Refresh
// loops (component F): it runs both concurrently, and if either returns
// (including a clean return, which should never happen in normal
// operation) or errors, it cancels the other and reports the failure.
// There is no partial restart — process-level restart is the recovery
// mechanism, by design.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Task is a long-running loop Run(ctx) method, satisfied by both
// *discovery.Loop and *refresh.Loop.
type Task interface {
	Run(ctx context.Context) error
}

// Supervisor runs a fixed set of named tasks under one errgroup.
type Supervisor struct {
	tasks  map[string]Task
	logger *slog.Logger
}

// New constructs a Supervisor over the given named tasks.
func New(logger *slog.Logger, tasks map[string]Task) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{tasks: tasks, logger: logger}
}

// Run starts every task and blocks until ctx is cancelled or any task
// returns an error, at which point the group context is cancelled and the
// remaining tasks are given a chance to exit before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, task := range s.tasks {
		name, task := name, task
		g.Go(func() error {
			err := task.Run(gctx)
			if err != nil && gctx.Err() == nil {
				s.logger.Error("task failed", "task", name, "error", err)
			}
			if err == nil {
				return fmt.Errorf("task %q exited unexpectedly", name)
			}
			return fmt.Errorf("task %q: %w", name, err)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		// The outer context was cancelled (graceful shutdown signal), not a
		// task failure — every Run(gctx) naturally returns ctx.Err() in that
		// case, which isn't worth surfacing as a supervisor error.
		return nil
	}
	return err
}
