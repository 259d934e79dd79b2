package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Task is a named long-running component.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs tasks together. The first task to fail cancels the rest.
type Orchestrator struct {
	tasks  []Task
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator for tasks.
func NewOrchestrator(logger *slog.Logger, tasks ...Task) *Orchestrator {
	return &Orchestrator{
		tasks:  tasks,
		logger: logger.With(slog.String("component", "orchestrator")),
	}
}

// Add appends a task. It must be called before Run.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.tasks = append(o.tasks, Task{Name: name, Run: run})
}

// Run starts every task and blocks until all have returned. Errors caused
// by cancellation count as a clean shutdown.
func (o *Orchestrator) Run(ctx context.Context) error {
	names := make([]string, len(o.tasks))
	for i, t := range o.tasks {
		names[i] = t.Name
	}
	o.logger.Info("orchestrator starting", slog.Any("tasks", names))

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range o.tasks {
		g.Go(func() error {
			err := t.Run(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				o.logger.Debug("task stopped", slog.String("task", t.Name))
				return nil
			}
			return fmt.Errorf("%s: %w", t.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped cleanly")
	return nil
}
