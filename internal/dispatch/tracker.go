// Package dispatch submits work transactions for workable jobs and tracks
// them until they settle.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keeper/internal/domain"
	"keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// TxSender broadcasts transactions and observes ones broadcast earlier.
type TxSender interface {
	SendTransaction(ctx context.Context, to common.Address, data []byte) (domain.TxHandle, error)
	// WatchTransaction returns a handle for a transaction known only by its
	// hash, such as one broadcast by another replica.
	WatchTransaction(hash common.Hash) domain.TxHandle
}

// WorkEncoder builds work call data for the registry.
type WorkEncoder interface {
	Address() common.Address
	EncodeWork(id domain.JobID, payload []byte) ([]byte, error)
}

// Options tunes the tracker.
type Options struct {
	// NodeID is stamped on execution records.
	NodeID string
	// MaxSubmissionsPerSecond throttles broadcasting. Zero means unlimited.
	MaxSubmissionsPerSecond float64
	// SettlementTimeout bounds how long a transaction is tracked before it
	// is released as failed. Zero waits indefinitely. A released job can be
	// submitted again while the timed out transaction is still pending, so a
	// non-zero value gives up the one-outstanding-transaction guarantee in
	// exchange for progress when transactions are dropped.
	SettlementTimeout time.Duration
}

// settlement is posted by a transaction's waiter once its outcome is known.
type settlement struct {
	record  *domain.ExecutionRecord
	success bool
	err     error
	link    trace.SpanContext
}

// Tracker owns the in-flight set. Submissions happen on the caller's
// goroutine; settlements are consumed by Run.
type Tracker struct {
	sender            TxSender
	work              WorkEncoder
	inFlight          *InFlightSet
	execRepo          domain.ExecutionRepository
	events            domain.EventPublisher
	limiter           *rate.Limiter
	settlementTimeout time.Duration
	nodeID            string

	settlements chan settlement
	stopped     chan struct{}

	logger *slog.Logger
	tracer trace.Tracer
}

// NewTracker creates a tracker that submits through sender.
func NewTracker(sender TxSender, work WorkEncoder, execRepo domain.ExecutionRepository, events domain.EventPublisher, opts Options, logger *slog.Logger) *Tracker {
	limit := rate.Inf
	if opts.MaxSubmissionsPerSecond > 0 {
		limit = rate.Limit(opts.MaxSubmissionsPerSecond)
	}
	return &Tracker{
		sender:            sender,
		work:              work,
		inFlight:          NewInFlightSet(),
		execRepo:          execRepo,
		events:            events,
		limiter:           rate.NewLimiter(limit, 1),
		settlementTimeout: opts.SettlementTimeout,
		nodeID:            opts.NodeID,
		settlements:       make(chan settlement, 64),
		stopped:           make(chan struct{}),
		logger:            logger.With("component", "dispatch-tracker"),
		tracer:            otel.Tracer("keeper-dispatch"),
	}
}

// InFlight exposes the tracker's in-flight set for read access.
func (t *Tracker) InFlight() *InFlightSet {
	return t.inFlight
}

// Dispatch submits a work transaction for every job that is not already in
// flight and returns how many were submitted. A job is marked before its
// transaction is broadcast. A failed broadcast releases the job right away
// and does not stop the remaining jobs.
func (t *Tracker) Dispatch(ctx context.Context, block uint64, jobs []domain.WorkableJob) (int, error) {
	ctx, span := t.tracer.Start(ctx, "dispatch.Dispatch", trace.WithAttributes(
		attribute.Int64("block", int64(block)),
		attribute.Int("jobs.workable", len(jobs)),
	))
	defer span.End()

	submitted := 0
	for _, job := range jobs {
		if !t.inFlight.TryMark(job.ID) {
			t.logger.Debug("job already in flight, skipping", "job_id", job.ID, "block", block)
			metrics.SubmissionsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.InFlightJobs.Set(float64(t.inFlight.Len()))

		if err := t.limiter.Wait(ctx); err != nil {
			t.release(job.ID)
			span.RecordError(err)
			span.SetStatus(codes.Error, "submission throttle interrupted")
			return submitted, fmt.Errorf("waiting to submit job %s: %w", job.ID, err)
		}

		if t.submit(ctx, block, job) {
			submitted++
		}
	}

	span.SetAttributes(attribute.Int("jobs.submitted", submitted))
	return submitted, nil
}

func (t *Tracker) submit(ctx context.Context, block uint64, job domain.WorkableJob) bool {
	ctx, span := t.tracer.Start(ctx, "dispatch.Submit", trace.WithAttributes(
		attribute.String("job.id", job.ID.String()),
	))
	defer span.End()

	logger := t.logger.With("job_id", job.ID, "block", block)
	record := &domain.ExecutionRecord{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Block:     block,
		StartTime: time.Now(),
		Status:    domain.ExecutionStatusRunning,
		NodeID:    t.nodeID,
	}

	handle, err := t.send(ctx, job)
	if err != nil {
		t.release(job.ID)
		logger.Error("failed to submit work transaction", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to submit work transaction")
		metrics.SubmissionsTotal.WithLabelValues("failed").Inc()

		record.EndTime = time.Now()
		record.Status = domain.ExecutionStatusFailed
		record.Error = err.Error()
		t.saveRecord(ctx, record, logger)
		t.publish(ctx, domain.JobEventFinished, record, logger)
		return false
	}

	record.TxHash = handle.Hash().Hex()
	span.SetAttributes(attribute.String("tx.hash", record.TxHash))
	logger.Info("started working on job", "tx_hash", record.TxHash)
	metrics.SubmissionsTotal.WithLabelValues("submitted").Inc()

	t.saveRecord(ctx, record, logger)
	t.publish(ctx, domain.JobEventSubmitted, record, logger)

	go t.awaitSettlement(span.SpanContext(), handle, record)
	return true
}

// Resume adopts the work transactions that the shared history still lists as
// running and that another replica submitted, usually the previous leader.
// Their jobs are marked in flight and settle through Run like local
// submissions. It returns how many transactions were adopted.
func (t *Tracker) Resume(ctx context.Context) (int, error) {
	ctx, span := t.tracer.Start(ctx, "dispatch.Resume")
	defer span.End()

	records, err := t.execRepo.ListRunning(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list pending executions")
		return 0, fmt.Errorf("failed to list pending executions: %w", err)
	}

	adopted := 0
	for _, record := range records {
		// Records of this process are already tracked by their own waiter.
		if record.TxHash == "" || record.NodeID == t.nodeID {
			continue
		}
		logger := t.logger.With("job_id", record.JobID, "tx_hash", record.TxHash, "submitted_by", record.NodeID)
		if !t.inFlight.TryMark(record.JobID) {
			logger.Debug("job already in flight, not adopting pending transaction")
			continue
		}
		metrics.InFlightJobs.Set(float64(t.inFlight.Len()))

		logger.Info("adopted pending work transaction")
		handle := t.sender.WatchTransaction(common.HexToHash(record.TxHash))
		go t.awaitSettlement(span.SpanContext(), handle, record)
		adopted++
	}

	span.SetAttributes(attribute.Int("executions.adopted", adopted))
	return adopted, nil
}

func (t *Tracker) send(ctx context.Context, job domain.WorkableJob) (domain.TxHandle, error) {
	data, err := t.work.EncodeWork(job.ID, job.Payload)
	if err != nil {
		return nil, err
	}
	return t.sender.SendTransaction(ctx, t.work.Address(), data)
}

// awaitSettlement runs detached from the cycle that submitted the
// transaction and hands the outcome to Run.
func (t *Tracker) awaitSettlement(link trace.SpanContext, handle domain.TxHandle, record *domain.ExecutionRecord) {
	ctx := context.Background()
	if t.settlementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.settlementTimeout)
		defer cancel()
	}

	success, err := handle.Wait(ctx)
	select {
	case t.settlements <- settlement{record: record, success: success && err == nil, err: err, link: link}:
	case <-t.stopped:
	}
}

// Run consumes settlement events until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("dispatch tracker started")
	defer close(t.stopped)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("dispatch tracker stopped", "in_flight", t.inFlight.Len())
			return ctx.Err()
		case s := <-t.settlements:
			t.settle(ctx, s)
		}
	}
}

func (t *Tracker) settle(ctx context.Context, s settlement) {
	record := s.record
	ctx, span := t.tracer.Start(ctx, "dispatch.Settle",
		trace.WithLinks(trace.Link{SpanContext: s.link}),
		trace.WithAttributes(
			attribute.String("job.id", record.JobID.String()),
			attribute.String("tx.hash", record.TxHash),
		))
	defer span.End()

	t.release(record.JobID)

	record.EndTime = time.Now()
	if s.success {
		record.Status = domain.ExecutionStatusSuccess
		span.SetStatus(codes.Ok, "work transaction succeeded")
	} else {
		record.Status = domain.ExecutionStatusFailed
		if s.err != nil {
			record.Error = s.err.Error()
			span.RecordError(s.err)
		} else {
			record.Error = "transaction reverted"
		}
		span.SetStatus(codes.Error, "work transaction failed")
	}
	metrics.SettlementsTotal.WithLabelValues(string(record.Status)).Inc()

	logger := t.logger.With("job_id", record.JobID, "block", record.Block, "tx_hash", record.TxHash)
	logger.Info("finished working on job", "status", record.Status, "elapsed", record.EndTime.Sub(record.StartTime))

	t.saveRecord(ctx, record, logger)
	t.publish(ctx, domain.JobEventFinished, record, logger)
}

func (t *Tracker) release(id domain.JobID) {
	t.inFlight.Release(id)
	metrics.InFlightJobs.Set(float64(t.inFlight.Len()))
}

func (t *Tracker) saveRecord(ctx context.Context, record *domain.ExecutionRecord, logger *slog.Logger) {
	snapshot := *record
	if err := t.execRepo.Save(ctx, &snapshot); err != nil {
		logger.Warn("failed to save execution record", "execution_id", record.ID, "error", err)
	}
}

func (t *Tracker) publish(ctx context.Context, typ domain.JobEventType, record *domain.ExecutionRecord, logger *slog.Logger) {
	event := domain.JobEvent{
		Type:      typ,
		JobID:     record.JobID,
		Block:     record.Block,
		TxHash:    record.TxHash,
		Status:    record.Status,
		Error:     record.Error,
		Timestamp: time.Now().UTC(),
	}
	if err := t.events.Publish(ctx, event); err != nil {
		logger.Warn("failed to publish job event", "type", typ, "error", err)
	}
}
