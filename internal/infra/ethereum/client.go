// Package ethereum adapts go-ethereum's RPC client to the keeper's chain
// interfaces.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"keeper/internal/domain"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Backend is the part of an RPC client used for calls and transactions.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// HeadSubscriber streams new chain heads.
type HeadSubscriber interface {
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (geth.Subscription, error)
}

// Client implements domain.ChainClient. Heads come from a websocket
// connection; calls and transactions go over the rpc endpoint.
type Client struct {
	heads   HeadSubscriber
	backend Backend
	closers []func()

	key         *ecdsa.PrivateKey
	address     common.Address
	chainID     *big.Int
	callTimeout time.Duration

	// Serialises nonce assignment between submissions.
	sendMu sync.Mutex

	logger *slog.Logger
	tracer trace.Tracer
}

// Dial connects to the websocket and rpc endpoints and loads the signing key.
func Dial(ctx context.Context, wsURL, rpcURL, hexKey string, callTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	ws, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket endpoint: %w", err)
	}
	rpc, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to dial rpc endpoint: %w", err)
	}

	c, err := New(ctx, ws, rpc, hexKey, callTimeout, logger)
	if err != nil {
		ws.Close()
		rpc.Close()
		return nil, err
	}
	c.closers = []func(){ws.Close, rpc.Close}
	return c, nil
}

// New builds a client over existing connections. The chain id is read once.
func New(ctx context.Context, heads HeadSubscriber, backend Backend, hexKey string, callTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}

	c := &Client{
		heads:       heads,
		backend:     backend,
		key:         key,
		address:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:     chainID,
		callTimeout: callTimeout,
		logger:      logger.With("component", "chain-client"),
		tracer:      otel.Tracer("keeper-chain-client"),
	}
	c.logger.Info("connected to chain", "chain_id", chainID.String(), "address", c.address.Hex())
	return c, nil
}

// ChainID returns the id reported by the node at startup.
func (c *Client) ChainID() uint64 {
	return c.chainID.Uint64()
}

// Address is the keeper account derived from the signing key.
func (c *Client) Address() common.Address {
	return c.address
}

// Close releases the underlying connections.
func (c *Client) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.backend.CallContract(ctx, geth.CallMsg{From: c.address, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth_call to %s failed: %w", to.Hex(), err)
	}
	return out, nil
}

// SendTransaction signs and broadcasts a transaction carrying data to to.
// Gas limit, fees and nonce are taken from the node.
func (c *Client) SendTransaction(ctx context.Context, to common.Address, data []byte) (domain.TxHandle, error) {
	ctx, span := c.tracer.Start(ctx, "chain.SendTransaction", trace.WithAttributes(
		attribute.String("tx.to", to.Hex()),
	))
	defer span.End()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build transactor")
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}
	opts.Context = ctx

	c.sendMu.Lock()
	tx, err := bind.NewBoundContract(to, abi.ABI{}, c.backend, c.backend, c.backend).RawTransact(opts, data)
	c.sendMu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send transaction")
		return nil, fmt.Errorf("failed to send transaction to %s: %w", to.Hex(), err)
	}

	span.SetAttributes(attribute.String("tx.hash", tx.Hash().Hex()))
	return &txHandle{tx: tx, backend: c.backend}, nil
}

type txHandle struct {
	tx      *types.Transaction
	backend bind.DeployBackend
}

func (h *txHandle) Hash() common.Hash {
	return h.tx.Hash()
}

// Wait blocks until the transaction is mined and reports whether it
// succeeded.
func (h *txHandle) Wait(ctx context.Context) (bool, error) {
	receipt, err := bind.WaitMined(ctx, h.backend, h.tx)
	if err != nil {
		return false, fmt.Errorf("waiting for %s: %w", h.tx.Hash().Hex(), err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

// WatchTransaction returns a handle for a transaction broadcast earlier,
// possibly by another keeper. Its outcome is read from the receipt.
func (c *Client) WatchTransaction(hash common.Hash) domain.TxHandle {
	return &receiptHandle{hash: hash, backend: c.backend, interval: time.Second, logger: c.logger}
}

type receiptHandle struct {
	hash     common.Hash
	backend  bind.DeployBackend
	interval time.Duration
	logger   *slog.Logger
}

func (h *receiptHandle) Hash() common.Hash {
	return h.hash
}

// Wait polls for the receipt until it appears or ctx ends. Lookup errors
// other than not-found are logged and retried.
func (h *receiptHandle) Wait(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		receipt, err := h.backend.TransactionReceipt(ctx, h.hash)
		if err == nil {
			return receipt.Status == types.ReceiptStatusSuccessful, nil
		}
		if !errors.Is(err, geth.NotFound) {
			h.logger.Debug("failed to fetch receipt", "tx_hash", h.hash.Hex(), "error", err)
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("waiting for %s: %w", h.hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// SubscribeBlocks streams new block heights.
func (c *Client) SubscribeBlocks(ctx context.Context) (domain.BlockSubscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := c.heads.SubscribeNewHead(ctx, heads)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}

	s := &headSubscription{
		sub:    sub,
		blocks: make(chan uint64, 16),
		errs:   make(chan error, 1),
		quit:   make(chan struct{}),
	}
	go s.forward(heads)
	return s, nil
}

type headSubscription struct {
	sub    geth.Subscription
	blocks chan uint64
	errs   chan error
	quit   chan struct{}
	once   sync.Once
}

func (s *headSubscription) forward(heads <-chan *types.Header) {
	for {
		select {
		case <-s.quit:
			return
		case err := <-s.sub.Err():
			s.errs <- err
			return
		case head := <-heads:
			select {
			case s.blocks <- head.Number.Uint64():
			case <-s.quit:
				return
			}
		}
	}
}

func (s *headSubscription) Blocks() <-chan uint64 { return s.blocks }

func (s *headSubscription) Err() <-chan error { return s.errs }

func (s *headSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}
