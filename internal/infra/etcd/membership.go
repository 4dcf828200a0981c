package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"keeper/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// MemberPrefix is where keeper replicas register themselves.
	MemberPrefix = "/keeper/members/"
)

// Membership registers this replica under a lease and tracks its peers.
type Membership struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string

	mu      sync.RWMutex
	members map[string]domain.Member
}

func NewMembership(client *clientv3.Client, logger *slog.Logger) *Membership {
	return &Membership{
		client:  client,
		logger:  logger.With("component", "membership"),
		members: make(map[string]domain.Member),
	}
}

// Register puts self under a lease with ttl and keeps the lease alive until
// ctx ends or Deregister is called.
func (m *Membership) Register(ctx context.Context, self domain.Member, ttl time.Duration) error {
	value, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}

	leaseResp, err := m.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	m.leaseID = leaseResp.ID
	m.key = MemberPrefix + self.NodeID

	if _, err := m.client.Put(ctx, m.key, string(value), clientv3.WithLease(m.leaseID)); err != nil {
		return fmt.Errorf("failed to put member registration key: %w", err)
	}

	keepAliveCh, err := m.client.KeepAlive(ctx, m.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	go func() {
		for ka := range keepAliveCh {
			m.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		m.logger.Warn("keep-alive channel closed, member registration may have expired")
	}()

	m.logger.Info("member registered", "key", m.key)
	return nil
}

// Deregister revokes the lease, which deletes the registration.
func (m *Membership) Deregister(ctx context.Context) error {
	if m.key == "" {
		return nil
	}
	m.logger.Info("deregistering member", "key", m.key)
	if _, err := m.client.Revoke(ctx, m.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Watch loads the current members and follows changes until ctx ends.
func (m *Membership) Watch(ctx context.Context) error {
	resp, err := m.client.Get(ctx, MemberPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to load members: %w", err)
	}
	m.mu.Lock()
	for _, kv := range resp.Kvs {
		m.put(string(kv.Key), kv.Value)
	}
	m.mu.Unlock()

	watchChan := m.client.Watch(ctx, MemberPrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			return fmt.Errorf("member watch failed: %w", err)
		}
		m.mu.Lock()
		for _, event := range watchResp.Events {
			key := string(event.Kv.Key)
			switch event.Type {
			case clientv3.EventTypePut:
				if _, ok := m.members[key]; !ok {
					m.logger.Info("member joined", "key", key)
				}
				m.put(key, event.Kv.Value)
			case clientv3.EventTypeDelete:
				m.logger.Info("member left", "key", key)
				delete(m.members, key)
			}
		}
		m.mu.Unlock()
	}
	return ctx.Err()
}

// put must be called with mu held.
func (m *Membership) put(key string, value []byte) {
	var member domain.Member
	if err := json.Unmarshal(value, &member); err != nil {
		m.logger.Warn("ignoring malformed member registration", "key", key, "error", err)
		return
	}
	m.members[key] = member
}

// Members returns the known replicas ordered by node id.
func (m *Membership) Members() []domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Member, 0, len(m.members))
	for _, member := range m.members {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
