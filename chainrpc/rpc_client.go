package chainrpc

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
)

type RpcClientConfig struct {
	ServerAddr string // ip address of elementsd
	Port       string
	Username   string
	Pwd        string
}

// RpcClient reads the Liquid chain tip from an elementsd node. elementsd
// keeps bitcoind's JSON-RPC surface for the calls used here.
type RpcClient struct {
	ServerAddr string
	Port       string
	client     *rpcclient.Client
}

func NewRpcClient(rcc *RpcClientConfig) (*RpcClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         rcc.ServerAddr + ":" + rcc.Port,
		User:         rcc.Username,
		Pass:         rcc.Pwd,
		HTTPPostMode: true, // elementsd only supports HTTP POST mode
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return &RpcClient{ServerAddr: rcc.ServerAddr, Port: rcc.Port, client: client}, nil
}

func (r *RpcClient) Close() {
	r.client.Shutdown()
}

// Get the latest block height.
func (r *RpcClient) GetLatestBlockHeight() (int64, error) {
	return r.client.GetBlockCount()
}

// Get the block height by providing block hash.
func (r *RpcClient) GetBlockHeightByHash(blockHash *chainhash.Hash) (int32, error) {
	header, err := r.client.GetBlockHeaderVerbose(blockHash)
	if err != nil {
		return 0, err
	}
	return header.Height, nil
}

func (r *RpcClient) GetBestBlockHash() (*chainhash.Hash, error) {
	return r.client.GetBestBlockHash()
}
