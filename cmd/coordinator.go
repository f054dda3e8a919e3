package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	logger "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/chainrpc"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/coordinator"
	"github.com/TEENet-io/liquidsend/multisig"
)

// SimCoordinatorConfig configures a simulated coordinator served over
// grpc, for wallets running in other processes.
type SimCoordinatorConfig struct {
	ListenAddr  string `validate:"required"`
	PrivKey     string `validate:"required,hexadecimal,len=64"`
	ExpiryDelta uint32 `validate:"gt=0"`

	// without a chain rpc server the tip is a simulated chain
	ChainRpcServer   string
	ChainRpcPort     string `validate:"omitempty,numeric"`
	ChainRpcUsername string
	ChainRpcPwd      string
	SimHeight        int64 `validate:"gte=0"`
}

// SimCoordinatorServer serves a simulated coordinator.
type SimCoordinatorServer struct {
	Sim      *coordinator.Simulated
	Chain    *chainrpc.SimChain // nil when backed by a real node
	server   *grpc.Server
	listener net.Listener
	closers  []func()
}

func NewSimCoordinatorServer(cfg *SimCoordinatorConfig) (*SimCoordinatorServer, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, err
	}

	signer, err := multisig.NewLocalSchnorrSigner(common.HexStrToByteSlice(cfg.PrivKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator signer: %w", err)
	}

	s := &SimCoordinatorServer{}
	var tip agreement.ChainTip
	if cfg.ChainRpcServer != "" {
		rpcClient, err := SetupChainRpc(cfg.ChainRpcServer, cfg.ChainRpcPort, cfg.ChainRpcUsername, cfg.ChainRpcPwd)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rpcClient.Close)
		tip = rpcClient
	} else {
		height := cfg.SimHeight
		if height == 0 {
			height = DefaultSimHeight
		}
		s.Chain = chainrpc.NewSimChain(height)
		tip = s.Chain
	}
	s.Sim = coordinator.NewSimulated(signer, cfg.ExpiryDelta, tip)

	s.listener, err = net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.server = grpc.NewServer()
	coordinator.Register(s.server, s.Sim)
	return s, nil
}

func (s *SimCoordinatorServer) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until Close.
func (s *SimCoordinatorServer) Serve() error {
	logger.WithField("addr", s.Addr()).Info("simulated coordinator listening")
	return s.server.Serve(s.listener)
}

func (s *SimCoordinatorServer) Close() {
	if s.server != nil {
		s.server.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// StartSimCoordinatorAndWait serves until Ctrl-C.
func StartSimCoordinatorAndWait(cfg *SimCoordinatorConfig) error {
	s, err := NewSimCoordinatorServer(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
		return nil
	case err := <-errCh:
		return err
	}
}
