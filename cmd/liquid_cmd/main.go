package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/viper"

	"github.com/TEENet-io/liquidsend/agreement"
	"github.com/TEENet-io/liquidsend/cmd"
	"github.com/TEENet-io/liquidsend/logconfig"
)

const (
	ENV_CONFIG_FILE_PATH = "LIQUID_CONFIG"
)

const usage = `usage: liquid_cmd <command> [args]

commands:
  serve                               run the wallet: poll pending payments, serve http
  pay <destination> <sats> <hash>     start a liquid payment
  check <hash>                        check a payment once
  list                                list pending payments
  coordinator                         serve a simulated coordinator over grpc

configuration is read from the file named by $LIQUID_CONFIG`

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}

	// Tool to read environment variables
	viper.AutomaticEnv()

	// Accessing an environment variable of configuration file location.
	_config_file := viper.GetString(ENV_CONFIG_FILE_PATH)
	if _config_file != "" {
		if !cmd.FileExists(_config_file) {
			fmt.Printf("configuration file not found: %s\n", _config_file)
			os.Exit(1)
		}
		if !initializeViper(_config_file) {
			os.Exit(1)
		}
	}
	logconfig.ConfigLogger(viper.GetString("LOG_PRESET"))

	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func initializeViper(filePath string) bool {
	viper.SetConfigFile(filePath)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("Error reading configuration file, %s\n", err)
		return false
	}
	return true
}

func run(command string, args []string) error {
	switch command {
	case "serve":
		fmt.Println("Starting liquid wallet... press Ctrl+C to kill the server")
		return cmd.StartWalletAndWait(PrepareWalletConfig())
	case "coordinator":
		fmt.Println("Starting simulated coordinator... press Ctrl+C to kill the server")
		return cmd.StartSimCoordinatorAndWait(PrepareSimCoordinatorConfig())
	case "pay":
		if len(args) != 3 {
			return fmt.Errorf("pay needs <destination> <sats> <hash>")
		}
		return pay(args[0], args[1], args[2])
	case "check":
		if len(args) != 1 {
			return fmt.Errorf("check needs <hash>")
		}
		return check(args[0])
	case "list":
		return list()
	}
	return fmt.Errorf("unknown command %q\n%s", command, usage)
}

func openWallet(ctx context.Context) (*cmd.Wallet, error) {
	return cmd.NewWallet(ctx, PrepareWalletConfig())
}

func pay(destination, sats, hashStr string) error {
	amount, err := strconv.ParseInt(sats, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", sats, err)
	}
	hash, err := agreement.PaymentHashFromHex(hashStr)
	if err != nil {
		return err
	}

	ctx := context.Background()
	w, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Engine.Initiate(ctx, destination, btcutil.Amount(amount), hash); err != nil {
		return err
	}
	fmt.Printf("payment %s initiated\n", hash.String())
	return nil
}

func check(hashStr string) error {
	hash, err := agreement.PaymentHashFromHex(hashStr)
	if err != nil {
		return err
	}

	ctx := context.Background()
	w, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer w.Close()

	proof, err := w.Engine.CheckByHash(ctx, hash)
	if err != nil {
		return err
	}
	r, _, err := w.StateDb.Get(hash)
	if err != nil {
		return err
	}
	fmt.Println(r.String())
	if proof != nil {
		fmt.Printf("completed: %s\n", proof.String())
	}
	return nil
}

func list() error {
	w, err := openWallet(context.Background())
	if err != nil {
		return err
	}
	defer w.Close()

	pending, err := w.Engine.PendingPayments()
	if err != nil {
		return err
	}
	for _, r := range pending {
		fmt.Println(r.String())
	}
	fmt.Printf("%d pending\n", len(pending))
	return nil
}

// PrepareWalletConfig reads configuration variables and returns a WalletConfig.
func PrepareWalletConfig() *cmd.WalletConfig {
	return &cmd.WalletConfig{
		Network:     viper.GetString("LIQUID_NETWORK"),
		DbFilePath:  viper.GetString("DB_FILE_PATH"),
		UserPrivKey: viper.GetString("USER_PRIV_KEY"),
		// coordinator side
		CoordinatorAddr: viper.GetString("COORDINATOR_ADDR"),
		RpcTimeout:      viper.GetDuration("RPC_TIMEOUT"),
		// liquid side
		ChainRpcServer:   viper.GetString("LIQUID_RPC_SERVER"),
		ChainRpcPort:     viper.GetString("LIQUID_RPC_PORT"),
		ChainRpcUsername: viper.GetString("LIQUID_RPC_USERNAME"),
		ChainRpcPwd:      viper.GetString("LIQUID_RPC_PWD"),
		// lock side
		RedisAddr: viper.GetString("REDIS_ADDR"),
		LockTTL:   viper.GetDuration("LOCK_TTL"),
		// Http side
		HttpIp:   viper.GetString("HTTP_IP"),
		HttpPort: viper.GetString("HTTP_PORT"),

		PollInterval: viper.GetDuration("POLL_INTERVAL"),
		Simulated:    viper.GetBool("SIMULATED"),
		SimHeight:    viper.GetInt64("SIM_HEIGHT"),
	}
}

func PrepareSimCoordinatorConfig() *cmd.SimCoordinatorConfig {
	return &cmd.SimCoordinatorConfig{
		ListenAddr:       viper.GetString("COORDINATOR_LISTEN_ADDR"),
		PrivKey:          viper.GetString("COORDINATOR_PRIV_KEY"),
		ExpiryDelta:      viper.GetUint32("HTLC_EXPIRY_DELTA"),
		ChainRpcServer:   viper.GetString("LIQUID_RPC_SERVER"),
		ChainRpcPort:     viper.GetString("LIQUID_RPC_PORT"),
		ChainRpcUsername: viper.GetString("LIQUID_RPC_USERNAME"),
		ChainRpcPwd:      viper.GetString("LIQUID_RPC_PWD"),
		SimHeight:        viper.GetInt64("SIM_HEIGHT"),
	}
}
