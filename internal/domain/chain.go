package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// BlockSubscription is a live, non-restartable feed of block heights.
type BlockSubscription interface {
	// Blocks delivers block heights in arrival order.
	Blocks() <-chan uint64
	// Err is closed or receives a value when the feed is lost.
	Err() <-chan error
	Unsubscribe()
}

// TxHandle is a submitted transaction whose outcome is observed later.
type TxHandle interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined and reports whether it
	// succeeded. An error means the outcome could not be observed.
	Wait(ctx context.Context) (bool, error)
}

// ContractCaller performs read-only calls against the latest state.
type ContractCaller interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// ChainClient is the connection to the blockchain node.
type ChainClient interface {
	ContractCaller
	SubscribeBlocks(ctx context.Context) (BlockSubscription, error)
	// SendTransaction signs and broadcasts a transaction carrying data to the
	// target contract.
	SendTransaction(ctx context.Context, to common.Address, data []byte) (TxHandle, error)
}
