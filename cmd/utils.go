package cmd

import (
	"os"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/chainrpc"
)

// FileExists checks if a file exists and is readable
func FileExists(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()
	return true
}

// Shared Helper function. Create a liquid node rpc client.
func SetupChainRpc(server string, port string, username string, password string) (*chainrpc.RpcClient, error) {
	_config := chainrpc.RpcClientConfig{
		ServerAddr: server,
		Port:       port,
		Username:   username,
		Pwd:        password,
	}
	r, err := chainrpc.NewRpcClient(&_config)
	if err != nil {
		logger.Errorf("failed to create liquid rpc client: %v", err)
		return nil, err
	}
	return r, nil
}
