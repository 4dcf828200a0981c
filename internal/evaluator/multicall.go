package evaluator

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"keeper/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MulticallABI describes the aggregator's permissive batch entry point.
const MulticallABI = `[
	{"type":"function","name":"aggregateWithPermissiveness","stateMutability":"view",
	 "inputs":[{"name":"calls","type":"tuple[]","components":[
		{"name":"target","type":"address"},{"name":"callData","type":"bytes"}]}],
	 "outputs":[{"name":"blockNumber","type":"uint256"},
		{"name":"returnData","type":"tuple[]","components":[
		{"name":"success","type":"bool"},{"name":"returnData","type":"bytes"}]}]}
]`

const aggregateMethod = "aggregateWithPermissiveness"

var multicallABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(MulticallABI))
	if err != nil {
		panic("evaluator: invalid multicall ABI: " + err.Error())
	}
	return parsed
}()

// Call is one sub-call of an aggregated request.
type Call struct {
	Target   common.Address `abi:"target"`
	CallData []byte         `abi:"callData"`
}

type callResult struct {
	Success    bool   `abi:"success"`
	ReturnData []byte `abi:"returnData"`
}

type aggregateOutput struct {
	BlockNumber *big.Int
	ReturnData  []callResult
}

// Aggregator sends many read-only calls as one request. A failing sub-call
// is reported in its result and does not abort the others.
type Aggregator struct {
	caller  domain.ContractCaller
	address common.Address
}

// NewAggregator creates an aggregator for the multicall contract at address.
func NewAggregator(caller domain.ContractCaller, address common.Address) *Aggregator {
	return &Aggregator{caller: caller, address: address}
}

// Aggregate executes calls in one round trip and returns the block the
// results were computed at together with results aligned to calls.
func (a *Aggregator) Aggregate(ctx context.Context, calls []Call) (uint64, []domain.ProbeResult, error) {
	input, err := multicallABI.Pack(aggregateMethod, calls)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode aggregated call: %w", err)
	}

	output, err := a.caller.Call(ctx, a.address, input)
	if err != nil {
		return 0, nil, fmt.Errorf("aggregated call failed: %w", err)
	}

	var decoded aggregateOutput
	if err := multicallABI.UnpackIntoInterface(&decoded, aggregateMethod, output); err != nil {
		return 0, nil, domain.NewProtocolDecodeError("aggregated result", err)
	}
	if len(decoded.ReturnData) != len(calls) {
		return 0, nil, domain.NewProtocolDecodeError("aggregated result",
			fmt.Errorf("got %d results for %d calls", len(decoded.ReturnData), len(calls)))
	}

	var block uint64
	if decoded.BlockNumber != nil && decoded.BlockNumber.IsUint64() {
		block = decoded.BlockNumber.Uint64()
	}

	results := make([]domain.ProbeResult, len(decoded.ReturnData))
	for i, r := range decoded.ReturnData {
		results[i] = domain.ProbeResult{Success: r.Success, Data: r.ReturnData}
	}
	return block, results, nil
}
