package domain

import "context"

// LeaderElectionManager decides which keeper replica runs the block loop.
type LeaderElectionManager interface {
	// Campaign blocks until this node is leader. The returned channel is
	// closed when leadership is lost.
	Campaign(ctx context.Context) (<-chan struct{}, error)
	Resign(ctx context.Context) error
	IsLeader() bool
}
