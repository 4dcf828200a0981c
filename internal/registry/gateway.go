// Package registry talks to the job registry contract: it lists the jobs and
// translates workable/work calls to and from their ABI encoding.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"keeper/internal/domain"
	"keeper/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Gateway wraps the chain client with the registry contract's calls.
type Gateway struct {
	caller   domain.ContractCaller
	address  common.Address
	pageSize uint64
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewGateway creates a gateway for the registry deployed at address. A
// pageSize of zero fetches the whole job list with a single slice call.
func NewGateway(caller domain.ContractCaller, address common.Address, pageSize uint64, logger *slog.Logger) *Gateway {
	return &Gateway{
		caller:   caller,
		address:  address,
		pageSize: pageSize,
		logger:   logger.With("component", "registry"),
		tracer:   otel.Tracer("keeper-registry"),
	}
}

// Address returns the registry contract address.
func (g *Gateway) Address() common.Address {
	return g.address
}

// ListJobIDs returns the ids of all jobs currently held by the registry, in
// registry order.
func (g *Gateway) ListJobIDs(ctx context.Context) ([]domain.JobID, error) {
	jobs, err := g.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]domain.JobID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	return ids, nil
}

// ListJobs queries the job count and then the job slice. The registry may
// change between the two calls; the next cycle reconciles that.
func (g *Gateway) ListJobs(ctx context.Context) ([]domain.Job, error) {
	ctx, span := g.tracer.Start(ctx, "registry.ListJobs")
	defer span.End()

	total, err := g.jobsAmount(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query job count")
		return nil, err
	}
	span.SetAttributes(attribute.Int64("registry.jobs_amount", int64(total)))

	if total == 0 {
		return []domain.Job{}, nil
	}

	pageSize := g.pageSize
	if pageSize == 0 {
		pageSize = total
	}

	jobs := make([]domain.Job, 0, total)
	for start := uint64(0); start < total; start += pageSize {
		count := min(pageSize, total-start)
		page, received, err := g.jobsSlice(ctx, start, count)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to query job slice")
			return nil, err
		}
		jobs = append(jobs, page...)
		if received < count {
			// The registry shrank after the count query.
			g.logger.Debug("job slice shorter than requested", "start", start, "requested", count, "got", received)
			break
		}
	}
	return jobs, nil
}

func (g *Gateway) jobsAmount(ctx context.Context) (uint64, error) {
	input, err := registryABI.Pack("jobsAmount")
	if err != nil {
		return 0, fmt.Errorf("failed to encode jobsAmount call: %w", err)
	}
	output, err := g.caller.Call(ctx, g.address, input)
	if err != nil {
		return 0, fmt.Errorf("jobsAmount call failed: %w", err)
	}
	values, err := registryABI.Unpack("jobsAmount", output)
	if err != nil {
		return 0, domain.NewProtocolDecodeError("jobsAmount result", err)
	}
	amount, ok := values[0].(*big.Int)
	if !ok || !amount.IsUint64() {
		return 0, domain.NewProtocolDecodeError("jobsAmount result", fmt.Errorf("unexpected value %v", values[0]))
	}
	return amount.Uint64(), nil
}

// jobsSlice returns the decoded jobs and how many entries the registry
// returned. Entries whose id does not fit a JobID are skipped so the rest of
// the registry is still worked.
func (g *Gateway) jobsSlice(ctx context.Context, start, count uint64) ([]domain.Job, uint64, error) {
	input, err := registryABI.Pack("jobsSlice", new(big.Int).SetUint64(start), new(big.Int).SetUint64(count))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode jobsSlice call: %w", err)
	}
	output, err := g.caller.Call(ctx, g.address, input)
	if err != nil {
		return nil, 0, fmt.Errorf("jobsSlice(%d, %d) call failed: %w", start, count, err)
	}

	var tuples []jobTuple
	if err := registryABI.UnpackIntoInterface(&tuples, "jobsSlice", output); err != nil {
		return nil, 0, domain.NewProtocolDecodeError("jobsSlice result", err)
	}

	jobs := make([]domain.Job, 0, len(tuples))
	for i, t := range tuples {
		id, err := domain.JobIDFromBig(t.ID)
		if err != nil {
			g.logger.Warn("skipping job with unsupported id", "index", start+uint64(i), "error", err)
			metrics.UnsupportedJobsTotal.Inc()
			continue
		}
		jobs = append(jobs, domain.Job{ID: id})
	}
	return jobs, uint64(len(tuples)), nil
}

// EncodeWorkableProbe builds the workable(caller, id) call data.
func (g *Gateway) EncodeWorkableProbe(id domain.JobID, caller common.Address) ([]byte, error) {
	return EncodeWorkableProbe(id, caller)
}

// DecodeWorkableResult decodes the (workable, payload) pair returned by a
// workable call.
func (g *Gateway) DecodeWorkableResult(data []byte) (bool, []byte, error) {
	return DecodeWorkableResult(data)
}

// EncodeWork builds the work(id, payload) call data.
func (g *Gateway) EncodeWork(id domain.JobID, payload []byte) ([]byte, error) {
	return EncodeWork(id, payload)
}

// EncodeWorkableProbe builds the workable(caller, id) call data.
func EncodeWorkableProbe(id domain.JobID, caller common.Address) ([]byte, error) {
	data, err := registryABI.Pack("workable", caller, id.Big())
	if err != nil {
		return nil, fmt.Errorf("failed to encode workable probe for job %s: %w", id, err)
	}
	return data, nil
}

// DecodeWorkableResult decodes the (workable, payload) pair returned by a
// workable call.
func DecodeWorkableResult(data []byte) (bool, []byte, error) {
	values, err := registryABI.Unpack("workable", data)
	if err != nil {
		return false, nil, domain.NewProtocolDecodeError("workable result", err)
	}
	if len(values) != 2 {
		return false, nil, domain.NewProtocolDecodeError("workable result", fmt.Errorf("expected 2 values, got %d", len(values)))
	}
	workable, ok := values[0].(bool)
	if !ok {
		return false, nil, domain.NewProtocolDecodeError("workable result", fmt.Errorf("unexpected flag type %T", values[0]))
	}
	payload, ok := values[1].([]byte)
	if !ok {
		return false, nil, domain.NewProtocolDecodeError("workable result", fmt.Errorf("unexpected payload type %T", values[1]))
	}
	return workable, payload, nil
}

// EncodeWork builds the work(id, payload) call data.
func EncodeWork(id domain.JobID, payload []byte) ([]byte, error) {
	data, err := registryABI.Pack("work", id.Big(), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work call for job %s: %w", id, err)
	}
	return data, nil
}
