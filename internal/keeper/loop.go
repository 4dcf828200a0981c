// Package keeper drives one evaluate-and-dispatch cycle per observed block.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keeper/internal/domain"
	"keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BlockSource opens the block notification feed.
type BlockSource interface {
	SubscribeBlocks(ctx context.Context) (domain.BlockSubscription, error)
}

// JobLister lists the registry's jobs.
type JobLister interface {
	ListJobIDs(ctx context.Context) ([]domain.JobID, error)
}

// JobEvaluator returns the workable subset of a job list.
type JobEvaluator interface {
	Evaluate(ctx context.Context, ids []domain.JobID, caller common.Address) ([]domain.WorkableJob, error)
}

// JobDispatcher submits work for workable jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, block uint64, jobs []domain.WorkableJob) (int, error)
}

// State is the loop's position in its two-state machine.
type State string

const (
	StateIdle    State = "idle"
	StateCycling State = "cycling"
)

// Status is a snapshot of the loop for the status API.
type Status struct {
	Running       bool      `json:"running"`
	State         State     `json:"state"`
	LastBlock     uint64    `json:"last_block"`
	LastJobs      int       `json:"last_jobs"`
	LastWorkable  int       `json:"last_workable"`
	LastSubmitted int       `json:"last_submitted"`
	LastCycleAt   time.Time `json:"last_cycle_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	SkippedBlocks uint64    `json:"skipped_blocks"`
}

// CycleResult summarises one cycle.
type CycleResult struct {
	Block     uint64
	Jobs      int
	Workable  int
	Submitted int
}

// Loop runs cycles for the blocks delivered by its source.
type Loop struct {
	blocks     BlockSource
	registry   JobLister
	evaluator  JobEvaluator
	dispatcher JobDispatcher
	caller     common.Address

	mu     sync.RWMutex
	status Status

	logger *slog.Logger
	tracer trace.Tracer
}

// NewLoop creates a block loop evaluating jobs on behalf of caller.
func NewLoop(blocks BlockSource, registry JobLister, evaluator JobEvaluator, dispatcher JobDispatcher, caller common.Address, logger *slog.Logger) *Loop {
	return &Loop{
		blocks:     blocks,
		registry:   registry,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		caller:     caller,
		status:     Status{State: StateIdle},
		logger:     logger.With("component", "block-loop"),
		tracer:     otel.Tracer("keeper-loop"),
	}
}

// Status returns a snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Run subscribes to blocks and runs one cycle per notification until ctx is
// cancelled or the feed is lost. Notifications that pile up while a cycle is
// running are collapsed into the newest one.
func (l *Loop) Run(ctx context.Context) error {
	sub, err := l.blocks.SubscribeBlocks(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to blocks: %w", err)
	}
	defer sub.Unsubscribe()

	l.setRunning(true)
	defer l.setRunning(false)
	l.logger.Info("block loop started", "caller", l.caller.Hex())

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("block loop stopped")
			return ctx.Err()
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				err = errors.New("subscription closed")
			}
			l.logger.Error("block feed lost", "error", err)
			return fmt.Errorf("block feed lost: %w", err)
		case block, ok := <-sub.Blocks():
			if !ok {
				return errors.New("block feed lost: channel closed")
			}
			block, skipped := latestBlock(block, sub.Blocks())
			if skipped > 0 {
				l.logger.Warn("skipping stale blocks", "skipped", skipped, "block", block)
				metrics.SkippedBlocksTotal.Add(float64(skipped))
				l.mu.Lock()
				l.status.SkippedBlocks += uint64(skipped)
				l.mu.Unlock()
			}
			// A failed cycle commits nothing; the next block starts clean.
			_, _ = l.RunCycle(ctx, block)
		}
	}
}

// latestBlock drains notifications that are already queued and returns the
// newest one along with how many were passed over.
func latestBlock(block uint64, pending <-chan uint64) (uint64, int) {
	skipped := 0
	for {
		select {
		case next, ok := <-pending:
			if !ok {
				return block, skipped
			}
			block = next
			skipped++
		default:
			return block, skipped
		}
	}
}

// RunCycle lists the registry's jobs, evaluates them and dispatches the
// workable ones for block.
func (l *Loop) RunCycle(ctx context.Context, block uint64) (CycleResult, error) {
	ctx, span := l.tracer.Start(ctx, "keeper.Cycle", trace.WithAttributes(
		attribute.Int64("block", int64(block)),
	))
	defer span.End()

	start := time.Now()
	l.setState(StateCycling)
	defer l.setState(StateIdle)

	result, err := l.cycle(ctx, block)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	metrics.BlockHeight.Set(float64(block))

	l.mu.Lock()
	l.status.LastBlock = block
	l.status.LastCycleAt = start
	l.status.LastJobs = result.Jobs
	l.status.LastWorkable = result.Workable
	l.status.LastSubmitted = result.Submitted
	l.status.LastError = ""
	if err != nil {
		l.status.LastError = err.Error()
	}
	l.mu.Unlock()

	if err != nil {
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "cycle failed")
		l.logger.Error("cycle aborted", "block", block, "error", err)
		return result, err
	}

	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	span.SetAttributes(
		attribute.Int("jobs.workable", result.Workable),
		attribute.Int("jobs.submitted", result.Submitted),
	)
	return result, nil
}

func (l *Loop) cycle(ctx context.Context, block uint64) (CycleResult, error) {
	result := CycleResult{Block: block}

	ids, err := l.registry.ListJobIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("listing jobs: %w", err)
	}
	result.Jobs = len(ids)

	workable, err := l.evaluator.Evaluate(ctx, ids, l.caller)
	if err != nil {
		return result, fmt.Errorf("evaluating jobs: %w", err)
	}
	result.Workable = len(workable)
	metrics.WorkableJobs.Set(float64(len(workable)))
	l.logger.Info("workable jobs found", "block", block, "jobs", len(ids), "workable", len(workable))

	if len(workable) == 0 {
		return result, nil
	}

	submitted, err := l.dispatcher.Dispatch(ctx, block, workable)
	result.Submitted = submitted
	if err != nil {
		return result, fmt.Errorf("dispatching jobs: %w", err)
	}
	return result, nil
}

func (l *Loop) setState(state State) {
	l.mu.Lock()
	l.status.State = state
	l.mu.Unlock()
}

func (l *Loop) setRunning(running bool) {
	l.mu.Lock()
	l.status.Running = running
	l.mu.Unlock()
}
