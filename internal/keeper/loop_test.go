package keeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"keeper/internal/dispatch"
	"keeper/internal/domain"
	"keeper/internal/infra/memory"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testKeeper   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testRegistry = common.HexToAddress("0x95Bf186929194099899139Ff79998cC147290F28")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubscription struct {
	blocks chan uint64
	errs   chan error
	once   sync.Once
	closed chan struct{}
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		blocks: make(chan uint64, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSubscription) Blocks() <-chan uint64 { return s.blocks }
func (s *fakeSubscription) Err() <-chan error     { return s.errs }
func (s *fakeSubscription) Unsubscribe()          { s.once.Do(func() { close(s.closed) }) }

type fakeSource struct {
	sub *fakeSubscription
	err error
}

func (f *fakeSource) SubscribeBlocks(ctx context.Context) (domain.BlockSubscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type fakeLister struct {
	mu  sync.Mutex
	ids []domain.JobID
	err error
}

func (f *fakeLister) ListJobIDs(ctx context.Context) ([]domain.JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids, f.err
}

// fakeEvaluator reports every job in workable as eligible.
type fakeEvaluator struct {
	mu       sync.Mutex
	workable map[domain.JobID]bool
	callers  []common.Address
	err      error
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, ids []domain.JobID, caller common.Address) ([]domain.WorkableJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callers = append(f.callers, caller)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.WorkableJob
	for _, id := range ids {
		if f.workable[id] {
			out = append(out, domain.WorkableJob{ID: id})
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	blocks  []uint64
	jobs    [][]domain.WorkableJob
	entered chan uint64
	gate    chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, block uint64, jobs []domain.WorkableJob) (int, error) {
	f.mu.Lock()
	f.blocks = append(f.blocks, block)
	f.jobs = append(f.jobs, jobs)
	gate := f.gate
	f.mu.Unlock()

	if f.entered != nil {
		f.entered <- block
	}
	if gate != nil {
		<-gate
	}
	return len(jobs), nil
}

func (f *fakeDispatcher) seen() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.blocks...)
}

func TestRunCycle_ListsEvaluatesAndDispatches(t *testing.T) {
	lister := &fakeLister{ids: []domain.JobID{1, 2, 3}}
	evaluator := &fakeEvaluator{workable: map[domain.JobID]bool{1: true, 3: true}}
	dispatcher := &fakeDispatcher{}
	loop := NewLoop(&fakeSource{}, lister, evaluator, dispatcher, testKeeper, discardLogger())

	result, err := loop.RunCycle(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, CycleResult{Block: 42, Jobs: 3, Workable: 2, Submitted: 2}, result)
	require.Equal(t, []common.Address{testKeeper}, evaluator.callers)
	require.Equal(t, []uint64{42}, dispatcher.seen())

	status := loop.Status()
	require.Equal(t, uint64(42), status.LastBlock)
	require.Equal(t, 2, status.LastWorkable)
	require.Equal(t, StateIdle, status.State)
	require.Empty(t, status.LastError)
}

func TestRunCycle_NothingWorkableSkipsDispatch(t *testing.T) {
	lister := &fakeLister{ids: []domain.JobID{1}}
	dispatcher := &fakeDispatcher{}
	loop := NewLoop(&fakeSource{}, lister, &fakeEvaluator{}, dispatcher, testKeeper, discardLogger())

	result, err := loop.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, result.Workable)
	require.Empty(t, dispatcher.seen())
}

func TestRunCycle_DecodeErrorAbortsCycle(t *testing.T) {
	lister := &fakeLister{ids: []domain.JobID{1}}
	evaluator := &fakeEvaluator{err: domain.NewProtocolDecodeError("workable result", errors.New("short buffer"))}
	dispatcher := &fakeDispatcher{}
	loop := NewLoop(&fakeSource{}, lister, evaluator, dispatcher, testKeeper, discardLogger())

	_, err := loop.RunCycle(context.Background(), 5)
	require.ErrorIs(t, err, domain.ErrProtocolDecode)
	require.Empty(t, dispatcher.seen())
	require.Contains(t, loop.Status().LastError, "short buffer")

	// The next cycle starts clean.
	evaluator.mu.Lock()
	evaluator.err = nil
	evaluator.mu.Unlock()
	_, err = loop.RunCycle(context.Background(), 6)
	require.NoError(t, err)
	require.Empty(t, loop.Status().LastError)
}

func TestRunCycle_ListErrorAbortsCycle(t *testing.T) {
	lister := &fakeLister{err: errors.New("rpc timeout")}
	evaluator := &fakeEvaluator{}
	loop := NewLoop(&fakeSource{}, lister, evaluator, &fakeDispatcher{}, testKeeper, discardLogger())

	_, err := loop.RunCycle(context.Background(), 5)
	require.ErrorContains(t, err, "rpc timeout")
	require.Empty(t, evaluator.callers)
}

func TestRun_ReturnsWhenFeedLost(t *testing.T) {
	source := &fakeSource{sub: newFakeSubscription()}
	loop := NewLoop(source, &fakeLister{}, &fakeEvaluator{}, &fakeDispatcher{}, testKeeper, discardLogger())

	source.sub.errs <- errors.New("websocket closed")
	err := loop.Run(context.Background())
	require.ErrorContains(t, err, "websocket closed")

	select {
	case <-source.sub.closed:
	default:
		t.Fatal("subscription was not released")
	}
	require.False(t, loop.Status().Running)
}

func TestRun_SubscribeError(t *testing.T) {
	source := &fakeSource{err: errors.New("dial failed")}
	loop := NewLoop(source, &fakeLister{}, &fakeEvaluator{}, &fakeDispatcher{}, testKeeper, discardLogger())

	err := loop.Run(context.Background())
	require.ErrorContains(t, err, "dial failed")
}

func TestRun_StopsOnCancel(t *testing.T) {
	source := &fakeSource{sub: newFakeSubscription()}
	loop := NewLoop(source, &fakeLister{}, &fakeEvaluator{}, &fakeDispatcher{}, testKeeper, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestRun_SkipsToLatestBlock(t *testing.T) {
	source := &fakeSource{sub: newFakeSubscription()}
	lister := &fakeLister{ids: []domain.JobID{1}}
	evaluator := &fakeEvaluator{workable: map[domain.JobID]bool{1: true}}
	dispatcher := &fakeDispatcher{entered: make(chan uint64, 16), gate: make(chan struct{})}
	loop := NewLoop(source, lister, evaluator, dispatcher, testKeeper, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	source.sub.blocks <- 1
	require.Equal(t, uint64(1), <-dispatcher.entered)
	require.Equal(t, StateCycling, loop.Status().State)

	// Blocks arriving during the cycle collapse into the newest.
	source.sub.blocks <- 2
	source.sub.blocks <- 3
	source.sub.blocks <- 4
	close(dispatcher.gate)

	require.Equal(t, uint64(4), <-dispatcher.entered)
	require.Equal(t, []uint64{1, 4}, dispatcher.seen())
	require.Eventually(t, func() bool {
		return loop.Status().SkippedBlocks == 2
	}, time.Second, 5*time.Millisecond)
}

// chainFake broadcasts transactions that settle when the test says so.
type chainFake struct {
	mu  sync.Mutex
	txs []*pendingTx
}

type pendingTx struct {
	hash common.Hash
	done chan bool
}

func (p *pendingTx) Hash() common.Hash { return p.hash }

func (p *pendingTx) Wait(ctx context.Context) (bool, error) {
	select {
	case ok := <-p.done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *chainFake) SendTransaction(ctx context.Context, to common.Address, data []byte) (domain.TxHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := &pendingTx{hash: common.BytesToHash([]byte{byte(len(c.txs) + 1)}), done: make(chan bool, 1)}
	c.txs = append(c.txs, tx)
	return tx, nil
}

func (c *chainFake) WatchTransaction(hash common.Hash) domain.TxHandle {
	return &pendingTx{hash: hash, done: make(chan bool, 1)}
}

func (c *chainFake) sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.txs)
}

func (c *chainFake) settleLast(ok bool) {
	c.mu.Lock()
	tx := c.txs[len(c.txs)-1]
	c.mu.Unlock()
	tx.done <- ok
}

type workEncoder struct{}

func (workEncoder) Address() common.Address { return testRegistry }

func (workEncoder) EncodeWork(id domain.JobID, payload []byte) ([]byte, error) {
	return []byte(id.String()), nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.JobEvent) error { return nil }

func (nopPublisher) Close() error { return nil }

func TestCycles_DuplicateGuardAndRelease(t *testing.T) {
	chain := &chainFake{}
	tracker := dispatch.NewTracker(chain, workEncoder{}, memory.NewExecutionRepository(), nopPublisher{}, dispatch.Options{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tracker.Run(ctx) }()

	lister := &fakeLister{ids: []domain.JobID{1}}
	evaluator := &fakeEvaluator{workable: map[domain.JobID]bool{1: true}}
	loop := NewLoop(&fakeSource{}, lister, evaluator, tracker, testKeeper, discardLogger())

	result, err := loop.RunCycle(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, result.Submitted)

	// Still workable, still pending: nothing new goes out.
	result, err = loop.RunCycle(ctx, 101)
	require.NoError(t, err)
	require.Equal(t, 1, result.Workable)
	require.Equal(t, 0, result.Submitted)
	require.Equal(t, 1, chain.sent())

	chain.settleLast(true)
	require.Eventually(t, func() bool {
		return !tracker.InFlight().Contains(1)
	}, time.Second, 5*time.Millisecond)

	result, err = loop.RunCycle(ctx, 102)
	require.NoError(t, err)
	require.Equal(t, 1, result.Submitted)
	require.Equal(t, 2, chain.sent())
}
