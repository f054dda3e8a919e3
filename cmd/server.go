// Wallet server = vtxo vault + liquid send engine + db/state + http reporter.
// All components are configured via environment variables (strings!).

package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/chainrpc"
	"github.com/TEENet-io/liquidsend/common"
	"github.com/TEENet-io/liquidsend/coordinator"
	"github.com/TEENet-io/liquidsend/database"
	"github.com/TEENet-io/liquidsend/htlc"
	"github.com/TEENet-io/liquidsend/liquidsend"
	"github.com/TEENet-io/liquidsend/liquidstate"
	"github.com/TEENet-io/liquidsend/movement"
	"github.com/TEENet-io/liquidsend/multisig"
	"github.com/TEENet-io/liquidsend/paylock"
	"github.com/TEENet-io/liquidsend/reporter"
	"github.com/TEENet-io/liquidsend/vtxovault"
)

// Default params for the wallet server.
// More often we don't recommend users to tweak those.
const (
	DefaultPollInterval = 10 * time.Second
	DefaultSimHeight    = 1_000
	DefaultSimDelta     = 144

	vaultTableID  = "wallet"
	redisLockKeys = "liquidsend:lock:"
)

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type WalletConfig struct {
	Network     string `validate:"required"`
	DbFilePath  string `validate:"required"`
	UserPrivKey string `validate:"required,hexadecimal,len=64"` // 32-byte hex, no 0x

	// coordinator side
	CoordinatorAddr string `validate:"required_without=Simulated"` // host:port of the grpc service
	RpcTimeout      time.Duration

	// liquid side
	ChainRpcServer   string `validate:"required_without=Simulated"`
	ChainRpcPort     string `validate:"omitempty,numeric"`
	ChainRpcUsername string
	ChainRpcPwd      string

	// optional shared lock across wallet processes
	RedisAddr string `validate:"omitempty,hostname_port"`
	LockTTL   time.Duration

	// Http side
	HttpIp   string `validate:"omitempty,ip"`
	HttpPort string `validate:"omitempty,numeric"`

	PollInterval time.Duration `validate:"gte=0"`

	// Simulated runs against an in-process coordinator and chain.
	Simulated bool
	SimHeight int64 `validate:"gte=0"`
}

var validate = validator.New()

func (c *WalletConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if common.LiquidNetworkByName(c.Network) == nil {
		return fmt.Errorf("unknown network %q", c.Network)
	}
	return nil
}

// Wallet holds the objects that consist of the wallet server.
type Wallet struct {
	Engine   *liquidsend.Engine
	Vault    *vtxovault.Vault
	StateDb  *liquidstate.StateDB
	Ledger   *movement.Ledger
	Builder  *htlc.Builder
	Metrics  *prometheus.Registry
	Reporter *reporter.HttpReporter // nil without HttpPort

	// set in simulated mode only
	SimCoordinator *coordinator.Simulated
	SimChain       *chainrpc.SimChain

	pollInterval time.Duration
	closers      []func()
}

// NewWallet opens the wallet database and connects the engine to the
// coordinator and the chain.
func NewWallet(ctx context.Context, cfg *WalletConfig) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Wallet{pollInterval: cfg.PollInterval}
	if w.pollInterval == 0 {
		w.pollInterval = DefaultPollInterval
	}
	if err := w.setup(ctx, cfg); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

func (w *Wallet) setup(ctx context.Context, cfg *WalletConfig) error {
	// Create sql db, and the stores over it.
	sqldb, err := database.OpenSQLite(cfg.DbFilePath)
	if err != nil {
		return fmt.Errorf("failed to open db file: %w", err)
	}
	w.closers = append(w.closers, func() { sqldb.Close() })

	if err := w.setupStores(sqldb); err != nil {
		return err
	}

	signer, err := multisig.NewLocalSchnorrSigner(common.HexStrToByteSlice(cfg.UserPrivKey))
	if err != nil {
		return fmt.Errorf("failed to create user signer: %w", err)
	}

	coord, tip, err := w.setupRemotes(cfg)
	if err != nil {
		return err
	}

	// the coordinator tells us its key and the htlc expiry delta
	infoCtx, cancel := context.WithTimeout(ctx, rpcTimeout(cfg))
	defer cancel()
	info, err := coord.GetInfo(infoCtx)
	if err != nil {
		return fmt.Errorf("failed to get coordinator info: %w", err)
	}
	coordKey, err := btcec.ParsePubKey(info.PubKey)
	if err != nil {
		return fmt.Errorf("invalid coordinator key: %w", err)
	}
	w.Builder, err = htlc.NewBuilder(signer, coordKey)
	if err != nil {
		return err
	}

	locker, err := w.setupLocker(ctx, cfg)
	if err != nil {
		return err
	}

	registry, err := movement.LoadRegistry(ctx, w.Ledger, movement.SubsystemLiquidSend)
	if err != nil {
		return fmt.Errorf("failed to load subsystems: %w", err)
	}

	w.Metrics = prometheus.NewRegistry()
	metrics, err := liquidsend.NewMetrics(w.Metrics)
	if err != nil {
		return err
	}

	w.Engine, err = liquidsend.New(
		&liquidsend.Config{
			Network:         common.LiquidNetworkByName(cfg.Network),
			HtlcExpiryDelta: info.HtlcExpiryDelta,
			RpcTimeout:      cfg.RpcTimeout,
		},
		w.Vault, w.StateDb, w.Ledger, registry, w.Builder, coord, tip, locker, metrics,
	)
	if err != nil {
		return err
	}

	if cfg.HttpPort != "" {
		w.Reporter = reporter.NewHttpReporter(cfg.HttpIp, cfg.HttpPort, w.StateDb, w.Vault, w.Metrics)
	}

	logger.WithFields(logger.Fields{
		"network":      cfg.Network,
		"simulated":    cfg.Simulated,
		"expiry_delta": info.HtlcExpiryDelta,
	}).Info("wallet ready")
	return nil
}

func (w *Wallet) setupStores(sqldb *sql.DB) error {
	storage, err := vtxovault.NewVtxoSQLiteStorage(sqldb, vaultTableID)
	if err != nil {
		return fmt.Errorf("failed to create vault storage: %w", err)
	}
	w.closers = append(w.closers, storage.Close)
	w.Vault = vtxovault.NewVault(storage, vtxovault.DefaultLockTimeout)

	w.StateDb, err = liquidstate.NewStateDB(sqldb)
	if err != nil {
		return fmt.Errorf("failed to create state db: %w", err)
	}
	w.closers = append(w.closers, w.StateDb.Close)

	w.Ledger, err = movement.NewLedger(sqldb)
	if err != nil {
		return fmt.Errorf("failed to create movement ledger: %w", err)
	}
	w.closers = append(w.closers, w.Ledger.Close)
	return nil
}

func (w *Wallet) setupRemotes(cfg *WalletConfig) (agreement.CoordinatorClient, agreement.ChainTip, error) {
	if cfg.Simulated {
		height := cfg.SimHeight
		if height == 0 {
			height = DefaultSimHeight
		}
		coordSigner, err := multisig.NewRandomLocalSchnorrSigner()
		if err != nil {
			return nil, nil, err
		}
		w.SimChain = chainrpc.NewSimChain(height)
		w.SimCoordinator = coordinator.NewSimulated(coordSigner, DefaultSimDelta, w.SimChain)
		return w.SimCoordinator, w.SimChain, nil
	}

	rpcClient, err := SetupChainRpc(cfg.ChainRpcServer, cfg.ChainRpcPort, cfg.ChainRpcUsername, cfg.ChainRpcPwd)
	if err != nil {
		return nil, nil, err
	}
	w.closers = append(w.closers, rpcClient.Close)

	client, err := coordinator.Dial(cfg.CoordinatorAddr, rpcTimeout(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial coordinator %s: %w", cfg.CoordinatorAddr, err)
	}
	w.closers = append(w.closers, func() { client.Close() })
	return client, rpcClient, nil
}

// setupLocker returns nil, the engine's in-process lock, unless a redis
// server is configured.
func (w *Wallet) setupLocker(ctx context.Context, cfg *WalletConfig) (paylock.Locker, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	w.closers = append(w.closers, func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	return paylock.NewRedis(client, redisLockKeys, cfg.LockTTL), nil
}

func rpcTimeout(cfg *WalletConfig) time.Duration {
	if cfg.RpcTimeout > 0 {
		return cfg.RpcTimeout
	}
	return liquidsend.DefaultRpcTimeout
}

// Receive adds a vtxo paying to the wallet.
func (w *Wallet) Receive(txID string, vout uint32, amount int64) error {
	return w.Vault.AddVtxo(vtxovault.Vtxo{
		TxID:     txID,
		Vout:     vout,
		Amount:   amount,
		PkScript: w.Builder.ReceiveScript().PkScript,
	})
}

// Poll releases lapsed input reservations and checks every pending
// payment once. Errors are logged; they are retried on the next pass.
func (w *Wallet) Poll(ctx context.Context) {
	if n, err := w.Vault.ReleaseByExpire(); err != nil {
		logger.Errorf("failed to release expired reservations: %v", err)
	} else if n > 0 {
		logger.WithField("count", n).Info("released expired reservations")
	}

	pending, err := w.Engine.PendingPayments()
	if err != nil {
		logger.Errorf("failed to list pending payments: %v", err)
		return
	}
	for _, r := range pending {
		if ctx.Err() != nil {
			return
		}
		proof, err := w.Engine.Check(ctx, r)
		newLogger := logger.WithField("hash", r.PaymentHash.String())
		switch {
		case err != nil && liquidsend.Retryable(err):
			newLogger.Warnf("check failed, will retry: %v", err)
		case err != nil:
			newLogger.Errorf("check failed: %v", err)
		case proof != nil:
			newLogger.WithField("settlement", proof.SettlementTxid).Info("payment completed")
		}
	}
}

// Run polls until ctx is done and serves the reporter if configured.
func (w *Wallet) Run(ctx context.Context, wg *sync.WaitGroup) {
	if w.Reporter != nil {
		go func() {
			if err := w.Reporter.Run(); err != nil {
				logger.Errorf("http reporter stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Poll(ctx)
			}
		}
	}()
}

// Close releases the wallet's resources in reverse order of creation.
func (w *Wallet) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}

// Create, then start the wallet server and wait.
// Press Ctrl-C to kill the server.
func StartWalletAndWait(cfg *WalletConfig) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := NewWallet(ctx, cfg)
	if err != nil {
		return err
	}
	defer w.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	w.Run(ctx, &wg)

	sig := <-sigCh
	logger.Infof("received %v, shutting down", sig)
	cancel()
	wg.Wait()
	return nil
}
