package domain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Network holds the contract addresses the keeper talks to on one chain.
type Network struct {
	ChainID   uint64
	Name      string
	Registry  common.Address
	Multicall common.Address
}

// Networks maps a chain id to its deployment.
type Networks map[uint64]Network

// DefaultNetworks is the static deployment table.
func DefaultNetworks() Networks {
	return Networks{
		4: {
			ChainID:   4,
			Name:      "rinkeby",
			Registry:  common.HexToAddress("0xb1d53370ef46b0A8fF4071b9e294C60b479D25A0"),
			Multicall: common.HexToAddress("0x798d8ced4dff8f054a5153762187e84751a73344"),
		},
		5: {
			ChainID:   5,
			Name:      "goerli",
			Registry:  common.HexToAddress("0x95Bf186929194099899139Ff79998cC147290F28"),
			Multicall: common.HexToAddress("0x44445F80e99C45b3ca8a6c208a993B31F342b01e"),
		},
	}
}

// Resolve returns the deployment for chainID or ErrUnknownNetwork.
func (n Networks) Resolve(chainID uint64) (Network, error) {
	network, ok := n[chainID]
	if !ok {
		return Network{}, fmt.Errorf("%w: chain id %d", ErrUnknownNetwork, chainID)
	}
	return network, nil
}
