package etcd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaderElection_OneLeaderAtATime(t *testing.T) {
	cli := newTestClient(t)
	first := NewEtcdLeaderElectionManager(cli, "node-1", 2*time.Second, discardLogger())
	second := NewEtcdLeaderElectionManager(cli, "node-2", 2*time.Second, discardLogger())
	ctx := context.Background()

	lost, err := first.Campaign(ctx)
	require.NoError(t, err)
	require.True(t, first.IsLeader())

	type result struct {
		lost <-chan struct{}
		err  error
	}
	won := make(chan result, 1)
	go func() {
		lost, err := second.Campaign(ctx)
		won <- result{lost, err}
	}()

	select {
	case <-won:
		t.Fatal("second node won while the first still leads")
	case <-time.After(300 * time.Millisecond):
	}
	require.False(t, second.IsLeader())

	require.NoError(t, first.Resign(ctx))
	require.False(t, first.IsLeader())
	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("resigning did not close the leadership channel")
	}

	var r result
	select {
	case r = <-won:
	case <-time.After(5 * time.Second):
		t.Fatal("second node never became leader")
	}
	require.NoError(t, r.err)
	require.True(t, second.IsLeader())

	// The first node can lead again once the second steps down.
	require.NoError(t, second.Resign(ctx))
	_, err = first.Campaign(ctx)
	require.NoError(t, err)
	require.True(t, first.IsLeader())
	require.NoError(t, first.Resign(ctx))
}

func TestLeaderElection_CampaignCancelled(t *testing.T) {
	cli := newTestClient(t)
	leader := NewEtcdLeaderElectionManager(cli, "node-1", 2*time.Second, discardLogger())
	follower := NewEtcdLeaderElectionManager(cli, "node-2", 2*time.Second, discardLogger())

	_, err := leader.Campaign(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = leader.Resign(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = follower.Campaign(ctx)
	require.Error(t, err)
	require.False(t, follower.IsLeader())

	// Resigning without leadership is a no-op.
	require.NoError(t, follower.Resign(context.Background()))
}
