package common

import (
	"github.com/vulpemventures/go-elements/address"
	"github.com/vulpemventures/go-elements/network"
)

// LiquidNetworkByName returns the network for a config string, nil if unknown.
func LiquidNetworkByName(name string) *network.Network {
	switch name {
	case network.Liquid.Name, "liquidv1", "mainnet":
		return &network.Liquid
	case network.Testnet.Name, "liquidtestnet":
		return &network.Testnet
	case network.Regtest.Name, "elementsregtest":
		return &network.Regtest
	}
	return nil
}

// IsValidLiquidAddress reports whether address decodes, checksum included,
// to an output script of net. Confidential and unconfidential addresses are
// both accepted.
func IsValidLiquidAddress(addr string, net *network.Network) bool {
	if net == nil {
		return false
	}
	if _, err := address.ToOutputScript(addr); err != nil {
		return false
	}
	addrNet, err := address.NetworkForAddress(addr)
	if err != nil {
		return false
	}
	return addrNet.Name == net.Name
}
