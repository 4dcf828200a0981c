package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"keeper/internal/domain"
	"keeper/internal/keeper"
	"keeper/internal/metrics"
)

// BlockLoop is the leader-only work of a keeper replica.
type BlockLoop interface {
	Run(ctx context.Context) error
	Status() keeper.Status
}

// PendingTracker takes over work transactions left pending by a previous
// leader.
type PendingTracker interface {
	Resume(ctx context.Context) (int, error)
}

// HealthReporter exposes whether this replica is doing work.
type HealthReporter interface {
	SetServing(serving bool)
}

// MemberLister lists the running keeper replicas.
type MemberLister interface {
	Members() []domain.Member
}

// Report describes the replica for the status API.
type Report struct {
	NodeID  string          `json:"node_id"`
	Leader  bool            `json:"leader"`
	Loop    keeper.Status   `json:"loop"`
	Members []domain.Member `json:"members"`
}

// KeeperService runs the block loop while this node holds leadership and
// campaigns again when it is lost.
type KeeperService struct {
	leaderManager domain.LeaderElectionManager
	loop          BlockLoop
	pending       PendingTracker
	health        HealthReporter
	members       MemberLister
	nodeID        string
	retryDelay    time.Duration
	logger        *slog.Logger
}

func NewKeeperService(leaderManager domain.LeaderElectionManager, loop BlockLoop, pending PendingTracker, health HealthReporter, members MemberLister, nodeID string, logger *slog.Logger) *KeeperService {
	return &KeeperService{
		leaderManager: leaderManager,
		loop:          loop,
		pending:       pending,
		health:        health,
		members:       members,
		nodeID:        nodeID,
		retryDelay:    5 * time.Second,
		logger:        logger.With("component", "keeper-service", "node_id", nodeID),
	}
}

// Status reports leadership and the loop's last cycle.
func (s *KeeperService) Status() Report {
	return Report{
		NodeID:  s.nodeID,
		Leader:  s.leaderManager.IsLeader(),
		Loop:    s.loop.Status(),
		Members: s.members.Members(),
	}
}

// Start blocks until ctx is cancelled.
func (s *KeeperService) Start(ctx context.Context) error {
	s.logger.Info("keeper service starting")

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("keeper service shutting down")
			return err
		}

		s.logger.Info("attempting to campaign for leadership")
		lostLeadershipCh, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Error("error during leadership campaign, retrying", "error", err, "retry_in", s.retryDelay)
			s.wait(ctx)
			continue
		}

		if err := s.lead(ctx, lostLeadershipCh); err != nil {
			s.logger.Error("block loop stopped, stepping down", "error", err, "retry_in", s.retryDelay)
			s.wait(ctx)
		}
	}
}

// lead runs the loop until leadership is lost, the loop fails or ctx ends.
// Pending transactions of the previous leader are adopted first so their
// jobs are not submitted twice.
func (s *KeeperService) lead(ctx context.Context, lostLeadershipCh <-chan struct{}) error {
	adopted, err := s.pending.Resume(ctx)
	if err != nil {
		s.resign(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to resume pending work: %w", err)
	}
	s.logger.Info("became the leader, starting the block loop", "adopted_transactions", adopted)
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(1)
	s.health.SetServing(true)

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.loop.Run(loopCtx) }()

	var loopErr error
	select {
	case <-lostLeadershipCh:
		s.logger.Warn("lost leadership, stopping the block loop")
		cancel()
		<-done
	case loopErr = <-done:
		cancel()
		if errors.Is(loopErr, context.Canceled) && ctx.Err() != nil {
			loopErr = nil
		}
	case <-ctx.Done():
		cancel()
		<-done
	}

	s.health.SetServing(false)
	metrics.IsLeader.WithLabelValues(s.nodeID).Set(0)

	s.resign(ctx)
	return loopErr
}

func (s *KeeperService) resign(ctx context.Context) {
	resignCtx, resignCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer resignCancel()
	if err := s.leaderManager.Resign(resignCtx); err != nil {
		s.logger.Warn("failed to resign leadership", "error", err)
	}
}

func (s *KeeperService) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(s.retryDelay):
	}
}
