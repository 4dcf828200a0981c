package memory

import (
	"context"
	"log/slog"
	"sync"
)

// StandaloneElector is used when there is no etcd cluster: the single
// replica is always the leader.
type StandaloneElector struct {
	mu       sync.Mutex
	isLeader bool
	lost     chan struct{}
	logger   *slog.Logger
}

func NewStandaloneElector(logger *slog.Logger) *StandaloneElector {
	return &StandaloneElector{logger: logger.With("component", "leader-election")}
}

// Campaign wins immediately. The returned channel closes on Resign.
func (e *StandaloneElector) Campaign(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isLeader {
		e.isLeader = true
		e.lost = make(chan struct{})
		e.logger.Info("running standalone, assuming leadership")
	}
	return e.lost, nil
}

func (e *StandaloneElector) Resign(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isLeader {
		e.isLeader = false
		close(e.lost)
	}
	return nil
}

func (e *StandaloneElector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}
