// Package pipeline runs the long-lived background jobs: the retention cron
// and the task group that keeps ingestion components alive together.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/algofeed/internal/domain"
	"github.com/alanyoungcy/algofeed/internal/notify"
)

// Cleaner deletes rows older than per-kind cutoffs.
type Cleaner interface {
	CleanupBefore(ctx context.Context, cutoffs map[domain.EventKind]time.Time) (map[domain.EventKind]int64, error)
}

// Alerter receives retention reports and failures.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// RetentionConfig controls one retention run.
type RetentionConfig struct {
	Windows map[domain.EventKind]time.Duration
	// Archive uploads rows to cold storage before they are deleted.
	Archive bool
	LockTTL time.Duration
}

// Report summarises a retention run.
type Report struct {
	StartedAt time.Time                  `json:"started_at"`
	Duration  time.Duration              `json:"duration"`
	Archived  map[domain.EventKind]int64 `json:"archived"`
	Deleted   map[domain.EventKind]int64 `json:"deleted"`
	Skipped   bool                       `json:"skipped,omitempty"`
	Errors    []string                   `json:"errors,omitempty"`
}

// Retention archives and deletes rows past their retention window. Only
// one instance runs at a time across processes.
type Retention struct {
	cfg      RetentionConfig
	cleaner  Cleaner
	archiver domain.Archiver
	locks    domain.LockManager
	audit    domain.AuditStore
	alerts   Alerter
	logger   *slog.Logger
	now      func() time.Time
	trigger  chan struct{}
}

// NewRetention creates a Retention job. archiver, locks, audit and alerts
// may be nil.
func NewRetention(
	cfg RetentionConfig,
	cleaner Cleaner,
	archiver domain.Archiver,
	locks domain.LockManager,
	audit domain.AuditStore,
	alerts Alerter,
	logger *slog.Logger,
) *Retention {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Retention{
		cfg:      cfg,
		cleaner:  cleaner,
		archiver: archiver,
		locks:    locks,
		audit:    audit,
		alerts:   alerts,
		logger:   logger.With(slog.String("component", "retention")),
		now:      func() time.Time { return time.Now().UTC() },
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger returns a channel that requests an immediate run from RunCron.
func (r *Retention) Trigger() chan<- struct{} { return r.trigger }

// Run executes one retention pass. A kind whose archive fails is not
// deleted. When another process holds the lock the run is skipped.
func (r *Retention) Run(ctx context.Context) (Report, error) {
	started := r.now()
	report := Report{
		StartedAt: started,
		Archived:  make(map[domain.EventKind]int64),
		Deleted:   make(map[domain.EventKind]int64),
	}

	if r.locks != nil {
		unlock, err := r.locks.Acquire(ctx, "retention", r.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.Info("retention already running elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("pipeline: retention lock: %w", err)
		}
		defer unlock()
	}

	cutoffs := make(map[domain.EventKind]time.Time)
	for _, kind := range domain.Kinds {
		if window := r.cfg.Windows[kind]; window > 0 {
			cutoffs[kind] = started.Add(-window)
		}
	}
	r.logger.Info("starting retention run", slog.Int("kinds", len(cutoffs)))

	var errs []error
	if r.cfg.Archive && r.archiver != nil {
		for _, kind := range domain.Kinds {
			cutoff, ok := cutoffs[kind]
			if !ok {
				continue
			}
			n, err := r.archiver.Archive(ctx, kind, cutoff)
			report.Archived[kind] = n
			if err != nil {
				delete(cutoffs, kind)
				errs = append(errs, fmt.Errorf("archive %s: %w", kind, err))
				r.logger.Error("archive failed, keeping rows",
					slog.String("kind", string(kind)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	deleted, err := r.cleaner.CleanupBefore(ctx, cutoffs)
	for kind, n := range deleted {
		report.Deleted[kind] = n
	}
	if err != nil {
		errs = append(errs, err)
	}

	report.Duration = r.now().Sub(started)
	for _, e := range errs {
		report.Errors = append(report.Errors, e.Error())
	}
	r.record(ctx, report)

	if len(errs) > 0 {
		return report, fmt.Errorf("pipeline: retention: %w", errors.Join(errs...))
	}
	return report, nil
}

// RunCron runs retention on a 5-field cron schedule until ctx is cancelled.
func (r *Retention) RunCron(ctx context.Context, cronExpr string) error {
	if err := ParseCron(cronExpr); err != nil {
		return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
	}
	r.logger.Info("retention cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, r.now())
		if err != nil {
			return fmt.Errorf("pipeline: cron %q: %w", cronExpr, err)
		}
		wait := next.Sub(r.now())
		r.logger.Debug("waiting for next retention run",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("retention cron stopped")
			return nil
		case <-r.trigger:
			timer.Stop()
			r.runLogged(ctx)
		case <-timer.C:
			r.runLogged(ctx)
		}
	}
}

func (r *Retention) runLogged(ctx context.Context) {
	if _, err := r.Run(ctx); err != nil {
		r.logger.Error("retention run failed", slog.String("error", err.Error()))
	}
}

func (r *Retention) record(ctx context.Context, report Report) {
	if report.Skipped {
		return
	}
	r.logger.Info("retention run complete",
		slog.Any("archived", report.Archived),
		slog.Any("deleted", report.Deleted),
		slog.Duration("duration", report.Duration),
	)

	if r.audit != nil {
		err := r.audit.Log(ctx, "retention", map[string]any{
			"archived":    report.Archived,
			"deleted":     report.Deleted,
			"duration_ms": report.Duration.Milliseconds(),
			"errors":      report.Errors,
		})
		if err != nil {
			r.logger.Warn("audit log failed", slog.String("error", err.Error()))
		}
	}

	if r.alerts == nil {
		return
	}
	event, title := notify.EventRetention, "Retention complete"
	if len(report.Errors) > 0 {
		event, title = notify.EventError, "Retention finished with errors"
	}
	_ = r.alerts.Notify(ctx, event, title, summary(report))
}

func summary(report Report) string {
	var b strings.Builder
	for _, kind := range domain.Kinds {
		fmt.Fprintf(&b, "%s: archived %d, deleted %d\n", kind, report.Archived[kind], report.Deleted[kind])
	}
	for _, e := range report.Errors {
		b.WriteString("error: " + e + "\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
