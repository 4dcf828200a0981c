// Package scheduler runs periodic maintenance on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keeper/internal/domain"
	"keeper/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PruneScheduler deletes execution records older than the retention window.
type PruneScheduler struct {
	cron      *cron.Cron
	execRepo  domain.ExecutionRepository
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewPruneScheduler registers the prune job on schedule, a standard cron
// expression or descriptor such as "@every 1h".
func NewPruneScheduler(execRepo domain.ExecutionRepository, schedule string, retention time.Duration, logger *slog.Logger) (*PruneScheduler, error) {
	s := &PruneScheduler{
		cron:      cron.New(),
		execRepo:  execRepo,
		retention: retention,
		now:       time.Now,
		logger:    logger.With("component", "prune-scheduler"),
		tracer:    otel.Tracer("keeper-scheduler"),
	}

	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.Prune(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	s.logger.Info("scheduled history pruning", "schedule", schedule, "retention", retention)
	return s, nil
}

// Start runs the cron until ctx is cancelled and waits for a running prune
// to finish.
func (s *PruneScheduler) Start(ctx context.Context) error {
	s.logger.Info("prune scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("prune scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("prune scheduler stopped")
	return ctx.Err()
}

// Prune deletes finished records older than the retention window.
func (s *PruneScheduler) Prune(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	ctx, span := s.tracer.Start(ctx, "scheduler.PruneHistory",
		trace.WithAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339))))
	defer span.End()

	deleted, err := s.execRepo.DeleteBefore(ctx, cutoff)
	metrics.HistoryPrunedTotal.Add(float64(deleted))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prune failed")
		s.logger.Error("failed to prune execution history", "error", err, "deleted", deleted)
		return deleted, err
	}

	span.SetAttributes(attribute.Int("records_deleted", deleted))
	s.logger.Info("pruned execution history", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}
