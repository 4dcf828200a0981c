package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"keeper/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExecutionHistoryDir = "/keeper/history/"
)

type etcdExecutionRepository struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdExecutionRepository creates a repository for work transaction records
// backed by etcd.
func NewEtcdExecutionRepository(client *clientv3.Client, logger *slog.Logger) domain.ExecutionRepository {
	return &etcdExecutionRepository{
		client: client,
		logger: logger.With("component", "etcd-execution-repo"),
		tracer: otel.Tracer("keeper-etcd-execution-repo"),
	}
}

func executionKey(jobID domain.JobID, executionID string) string {
	return path.Join(ExecutionHistoryDir, jobID.String(), executionID)
}

// Save persists a single execution record to etcd.
// The key is structured as /keeper/history/{jobID}/{executionID}.
func (r *etcdExecutionRepository) Save(ctx context.Context, record *domain.ExecutionRecord) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveExecution")
	defer span.End()

	if err := record.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid execution record")
		return err
	}

	recordJSON, err := json.Marshal(record)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal execution record")
		return fmt.Errorf("failed to marshal execution record %s to JSON: %w", record.ID, err)
	}

	key := executionKey(record.JobID, record.ID)
	span.SetAttributes(
		attribute.String("execution.id", record.ID),
		attribute.String("job.id", record.JobID.String()),
		attribute.String("etcd.key", key),
	)

	if _, err := r.client.Put(ctx, key, string(recordJSON)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put execution record to etcd")
		return fmt.Errorf("failed to save execution record %s to etcd: %w", record.ID, err)
	}
	return nil
}

// Get retrieves a single execution record by its job id and execution id.
func (r *etcdExecutionRepository) Get(ctx context.Context, jobID domain.JobID, executionID string) (*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetExecution")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.String("execution.id", executionID),
	)

	resp, err := r.client.Get(ctx, executionKey(jobID, executionID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get execution record from etcd")
		return nil, fmt.Errorf("failed to get execution record %s/%s from etcd: %w", jobID, executionID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("execution record %s/%s: %w", jobID, executionID, domain.ErrExecutionNotFound)
	}

	var record domain.ExecutionRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal execution record")
		return nil, fmt.Errorf("failed to unmarshal execution record %s/%s from JSON: %w", jobID, executionID, err)
	}
	return &record, nil
}

// ListByJobID retrieves execution records for a job, newest first. Pages are
// 1-indexed.
func (r *etcdExecutionRepository) ListByJobID(ctx context.Context, jobID domain.JobID, page, pageSize int) ([]*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListExecutions")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID.String()),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	prefix := path.Join(ExecutionHistoryDir, jobID.String()) + "/"
	resp, err := r.client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortDescend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list execution records from etcd")
		return nil, fmt.Errorf("failed to list execution records for job %s from etcd: %w", jobID, err)
	}

	// etcd limits count keys, not offsets, so paging happens here.
	startIdx := max(page-1, 0) * pageSize
	endIdx := startIdx + pageSize

	records := make([]*domain.ExecutionRecord, 0, pageSize)
	for i, kv := range resp.Kvs {
		if i < startIdx {
			continue
		}
		if i >= endIdx {
			break
		}
		var record domain.ExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal execution record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		records = append(records, &record)
	}
	span.SetAttributes(attribute.Int("records_returned", len(records)))
	return records, nil
}

// ListRunning scans the history for records whose transaction has not
// settled, in creation order.
func (r *etcdExecutionRepository) ListRunning(ctx context.Context) ([]*domain.ExecutionRecord, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListRunningExecutions")
	defer span.End()

	resp, err := r.client.Get(ctx, ExecutionHistoryDir,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan execution records")
		return nil, fmt.Errorf("failed to scan execution records: %w", err)
	}

	var records []*domain.ExecutionRecord
	for _, kv := range resp.Kvs {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal execution record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if record.Status == domain.ExecutionStatusRunning {
			records = append(records, &record)
		}
	}
	span.SetAttributes(attribute.Int("records_running", len(records)))
	return records, nil
}

// DeleteBefore removes finished records that started before cutoff.
func (r *etcdExecutionRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.PruneExecutions")
	defer span.End()

	resp, err := r.client.Get(ctx, ExecutionHistoryDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to scan execution records")
		return 0, fmt.Errorf("failed to scan execution records: %w", err)
	}

	deleted := 0
	for _, kv := range resp.Kvs {
		var record domain.ExecutionRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			r.logger.Warn("failed to unmarshal execution record from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if record.Status == domain.ExecutionStatusRunning || !record.StartTime.Before(cutoff) {
			continue
		}
		// Guard on mod revision so a concurrent update wins over the prune.
		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(string(kv.Key)), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(string(kv.Key))).
			Commit()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to delete execution record")
			return deleted, fmt.Errorf("failed to delete %s: %w", kv.Key, err)
		}
		if txn.Succeeded {
			deleted++
		}
	}
	span.SetAttributes(attribute.Int("records_deleted", deleted))
	return deleted, nil
}
