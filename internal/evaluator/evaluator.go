// Package evaluator decides which registry jobs are workable by probing all
// of them through one aggregated read-only call.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"

	"keeper/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProbeCodec encodes workable probes for the registry and decodes their results.
type ProbeCodec interface {
	Address() common.Address
	EncodeWorkableProbe(id domain.JobID, caller common.Address) ([]byte, error)
	DecodeWorkableResult(data []byte) (bool, []byte, error)
}

// BatchCaller executes aggregated calls with permissive failure semantics.
type BatchCaller interface {
	Aggregate(ctx context.Context, calls []Call) (uint64, []domain.ProbeResult, error)
}

// Evaluator probes jobs for workability.
type Evaluator struct {
	batch     BatchCaller
	probes    ProbeCodec
	batchSize int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates an evaluator. A batchSize of zero sends every probe of a cycle
// in a single aggregated call; otherwise probes are split into chunks of at
// most batchSize sub-calls.
func New(batch BatchCaller, probes ProbeCodec, batchSize int, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		batch:     batch,
		probes:    probes,
		batchSize: batchSize,
		logger:    logger.With("component", "evaluator"),
		tracer:    otel.Tracer("keeper-evaluator"),
	}
}

// Evaluate returns the workable subset of ids, evaluated on behalf of caller,
// in input order. A sub-call that fails marks only its own job as not
// workable. A successful sub-call that cannot be decoded aborts the
// evaluation with a protocol decode error.
func (e *Evaluator) Evaluate(ctx context.Context, ids []domain.JobID, caller common.Address) ([]domain.WorkableJob, error) {
	ctx, span := e.tracer.Start(ctx, "evaluator.Evaluate", trace.WithAttributes(
		attribute.Int("jobs.count", len(ids)),
		attribute.String("caller", caller.Hex()),
	))
	defer span.End()

	workable := make([]domain.WorkableJob, 0)
	if len(ids) == 0 {
		return workable, nil
	}

	size := e.batchSize
	if size <= 0 {
		size = len(ids)
	}

	for start := 0; start < len(ids); start += size {
		chunk := ids[start:min(start+size, len(ids))]
		found, err := e.evaluateChunk(ctx, chunk, caller)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to evaluate jobs")
			return nil, err
		}
		workable = append(workable, found...)
	}

	span.SetAttributes(attribute.Int("jobs.workable", len(workable)))
	return workable, nil
}

func (e *Evaluator) evaluateChunk(ctx context.Context, ids []domain.JobID, caller common.Address) ([]domain.WorkableJob, error) {
	target := e.probes.Address()
	calls := make([]Call, len(ids))
	for i, id := range ids {
		data, err := e.probes.EncodeWorkableProbe(id, caller)
		if err != nil {
			return nil, err
		}
		calls[i] = Call{Target: target, CallData: data}
	}

	block, results, err := e.batch.Aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}
	if len(results) != len(ids) {
		return nil, domain.NewProtocolDecodeError("aggregated result",
			fmt.Errorf("got %d results for %d probes", len(results), len(ids)))
	}

	var workable []domain.WorkableJob
	for i, result := range results {
		id := ids[i]
		if !result.Success {
			e.logger.Debug("workable probe reverted", "job_id", id, "block", block)
			continue
		}
		ok, payload, err := e.probes.DecodeWorkableResult(result.Data)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		workable = append(workable, domain.WorkableJob{ID: id, Payload: payload})
	}
	return workable, nil
}
