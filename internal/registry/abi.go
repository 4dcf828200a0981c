package registry

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// RegistryABI is the subset of the job registry contract the keeper calls.
const RegistryABI = `[
	{"type":"function","name":"jobsAmount","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"jobsSlice","stateMutability":"view",
	 "inputs":[{"name":"start","type":"uint256"},{"name":"count","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple[]","components":[{"name":"id","type":"uint256"}]}]},
	{"type":"function","name":"workable","stateMutability":"view",
	 "inputs":[{"name":"caller","type":"address"},{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"workable","type":"bool"},{"name":"data","type":"bytes"}]},
	{"type":"function","name":"work","stateMutability":"nonpayable",
	 "inputs":[{"name":"id","type":"uint256"},{"name":"data","type":"bytes"}],
	 "outputs":[]}
]`

var registryABI = mustParseABI(RegistryABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("registry: invalid ABI definition: " + err.Error())
	}
	return parsed
}

// jobTuple mirrors the registry's job struct. Fields are matched by position.
type jobTuple struct {
	ID *big.Int `abi:"id"`
}
