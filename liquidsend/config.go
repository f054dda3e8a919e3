package liquidsend

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/vulpemventures/go-elements/network"
)

const (
	DefaultDustFloor  = btcutil.Amount(330)
	DefaultRpcTimeout = 30 * time.Second
)

type Config struct {
	// Destinations must be addresses of this network
	Network *network.Network

	// Smallest payable amount
	DustFloor btcutil.Amount

	// Blocks added to the tip to get the htlc expiry height. Read from the
	// coordinator when the wallet opens.
	HtlcExpiryDelta uint32

	// Timeout of every coordinator round trip
	RpcTimeout time.Duration
}

func (cfg *Config) withDefaults() *Config {
	c := *cfg
	if c.Network == nil {
		c.Network = &network.Liquid
	}
	if c.DustFloor <= 0 {
		c.DustFloor = DefaultDustFloor
	}
	if c.RpcTimeout <= 0 {
		c.RpcTimeout = DefaultRpcTimeout
	}
	return &c
}
