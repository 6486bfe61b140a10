package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	arklib "github.com/arkade-os/arkd/pkg/ark-lib"
	"github.com/arkade-os/arkd/pkg/ark-lib/script"
	arkclient "github.com/arkade-os/go-ark-client"
	"github.com/arkade-os/go-ark-client/client"
	grpcclient "github.com/arkade-os/go-ark-client/client/grpc"
	"github.com/arkade-os/go-ark-client/explorer"
	"github.com/arkade-os/go-ark-client/store"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/arkade-os/go-ark-client/wallet"
	singlekeywallet "github.com/arkade-os/go-ark-client/wallet/singlekey"
	filestore "github.com/arkade-os/go-ark-client/wallet/singlekey/store/file"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
)

const (
	DatadirEnvVar   = "ARK_CLIENT_DATADIR"
	PasswordEnvVar  = "ARK_CLIENT_PASSWORD"
	defaultWalletId = "default"
)

var Version string

func main() {
	app := cli.NewApp()
	app.Version = Version
	app.Name = "arkclientd"
	app.Usage = "keeps Ark wallets in sync and renews their vtxos before expiry"
	app.Commands = append(
		app.Commands,
		&initCommand,
		&startCommand,
		&configCommand,
		&balanceCommand,
		&sendCommand,
		&versionCommand,
	)
	app.Flags = []cli.Flag{datadirFlag, verboseFlag}
	app.Before = func(ctx *cli.Context) error {
		log.SetLevel(log.InfoLevel)
		if ctx.Bool(verboseFlag.Name) {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(fmt.Errorf("error: %v", err))
		os.Exit(1)
	}
}

var (
	datadirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Specify the data directory",
		Value:   arklib.AppDataDir("arkclientd", false),
		EnvVars: []string{DatadirEnvVar},
	}
	verboseFlag = &cli.BoolFlag{
		Name:        "verbose",
		Usage:       "enable debug logs",
		Value:       false,
		DefaultText: "false",
	}
	passwordFlag = &cli.StringFlag{
		Name:    "password",
		Usage:   "password to unlock the wallet",
		EnvVars: []string{PasswordEnvVar},
	}
	privateKeyFlag = &cli.StringFlag{
		Name:  "prvkey",
		Usage: "optional private key to encrypt",
	}
	urlFlag = &cli.StringFlag{
		Name:     "server-url",
		Usage:    "the url of the Ark server to connect to",
		Required: true,
	}
	explorerFlag = &cli.StringFlag{
		Name:  "explorer",
		Usage: "the url of the explorer to use",
	}
	storeFlag = &cli.StringFlag{
		Name:  "store",
		Usage: "the type of store to persist data, one of kv or sql",
		Value: types.KVStore,
	}
	toFlag = &cli.StringFlag{
		Name:     "to",
		Usage:    "recipient ark address",
		Required: true,
	}
	amountFlag = &cli.Uint64Flag{
		Name:     "amount",
		Usage:    "amount to send in sats",
		Required: true,
	}
)

var (
	initCommand = cli.Command{
		Name:  "init",
		Usage: "Create the wallet encrypted with password and store the connection settings",
		Flags: []cli.Flag{passwordFlag, privateKeyFlag, urlFlag, explorerFlag, storeFlag},
		Action: func(ctx *cli.Context) error {
			return initClient(ctx)
		},
	}
	startCommand = cli.Command{
		Name:  "start",
		Usage: "Run the sync and settlement loops until interrupted",
		Flags: []cli.Flag{passwordFlag},
		Action: func(ctx *cli.Context) error {
			return start(ctx)
		},
	}
	configCommand = cli.Command{
		Name:  "config",
		Usage: "Shows the client configuration",
		Action: func(ctx *cli.Context) error {
			cfg, err := loadConfig(ctx.String(datadirFlag.Name))
			if err != nil {
				return err
			}
			return printJSON(cfg.toMap())
		},
	}
	balanceCommand = cli.Command{
		Name:  "balance",
		Usage: "Shows the offchain balance of the wallet",
		Flags: []cli.Flag{passwordFlag},
		Action: func(ctx *cli.Context) error {
			return balance(ctx)
		},
	}
	sendCommand = cli.Command{
		Name:  "send",
		Usage: "Send funds offchain",
		Flags: []cli.Flag{toFlag, amountFlag, passwordFlag},
		Action: func(ctx *cli.Context) error {
			return send(ctx)
		},
	}
	versionCommand = cli.Command{
		Name:  "version",
		Usage: "Display version information",
		Action: func(ctx *cli.Context) error {
			fmt.Printf("arkclientd version: %s\n", Version)
			return nil
		},
	}
)

func initClient(ctx *cli.Context) error {
	datadir := ctx.String(datadirFlag.Name)
	if _, err := loadConfig(datadir); err == nil {
		return fmt.Errorf("client already initialized in %s", datadir)
	}

	password, err := readPassword(ctx)
	if err != nil {
		return err
	}

	transport, err := grpcclient.NewClient(ctx.String(urlFlag.Name))
	if err != nil {
		return err
	}
	defer transport.Close()
	// Fail early if the server is not reachable.
	if _, err := transport.GetInfo(ctx.Context); err != nil {
		return fmt.Errorf("failed to connect to server: %s", err)
	}

	w, err := openWallet(datadir)
	if err != nil {
		return err
	}
	if _, err := w.Create(ctx.Context, string(password), ctx.String(privateKeyFlag.Name)); err != nil {
		return err
	}

	if err := saveConfig(Config{
		Datadir:     datadir,
		ServerUrl:   ctx.String(urlFlag.Name),
		ExplorerUrl: ctx.String(explorerFlag.Name),
		StoreType:   ctx.String(storeFlag.Name),
	}); err != nil {
		return err
	}

	pubkey, err := w.GetPubKey(ctx.Context)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"pubkey": hex.EncodeToString(pubkey.SerializeCompressed()),
	})
}

func start(ctx *cli.Context) error {
	d, err := newDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.explorer.Start()
	defer d.explorer.Stop()

	if err := d.svc.Start(sigCtx); err != nil {
		return err
	}
	log.Infof("arkclientd started, wallet %s", d.wallet.Id())

	<-sigCtx.Done()
	log.Info("shutting down")
	return d.svc.Stop()
}

func balance(ctx *cli.Context) error {
	d, err := newDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	total, recoverable, err := d.svc.Balance(ctx.Context, d.wallet.Id())
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"total":       total,
		"recoverable": recoverable,
	})
}

func send(ctx *cli.Context) error {
	d, err := newDaemon(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	addr, err := arklib.DecodeAddressV0(ctx.String(toFlag.Name))
	if err != nil {
		return fmt.Errorf("invalid recipient address: %s", err)
	}
	pkScript, err := script.P2TRScript(addr.VtxoTapKey)
	if err != nil {
		return err
	}

	txid, err := d.svc.Spend(ctx.Context, d.wallet.Id(), []types.Output{{
		Type:   types.OutputVtxo,
		Amount: ctx.Uint64(amountFlag.Name),
		Script: pkScript,
	}})
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"txid": txid})
}

type daemon struct {
	svc       *arkclient.Service
	wallet    *singlekeywallet.Wallet
	store     types.Store
	transport client.TransportClient
	explorer  explorer.Explorer
}

// newDaemon unlocks the wallet and wires the service to the server the client
// was initialized with.
func newDaemon(ctx *cli.Context) (*daemon, error) {
	datadir := ctx.String(datadirFlag.Name)
	cfg, err := loadConfig(datadir)
	if err != nil {
		return nil, err
	}
	if !ctx.Bool(verboseFlag.Name) {
		log.SetLevel(log.Level(cfg.LogLevel))
	}

	expiryThreshold, err := time.ParseDuration(cfg.ExpiryThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry threshold: %s", err)
	}
	generationInterval, err := time.ParseDuration(cfg.IntentGenerationInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid intent generation interval: %s", err)
	}

	w, err := openWallet(datadir)
	if err != nil {
		return nil, err
	}
	password, err := readPassword(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := w.Unlock(ctx.Context, string(password)); err != nil {
		return nil, err
	}

	transport, err := grpcclient.NewClient(cfg.ServerUrl)
	if err != nil {
		return nil, err
	}
	info, err := transport.GetInfo(ctx.Context)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("failed to get server info: %s", err)
	}
	clientCfg, err := arkclient.NewConfig(cfg.ServerUrl, info)
	if err != nil {
		transport.Close()
		return nil, err
	}

	explorerSvc, err := explorer.NewExplorer(
		cfg.ExplorerUrl, clientCfg.Network, explorer.WithTracker(cfg.WithExplorerTracker),
	)
	if err != nil {
		transport.Close()
		return nil, err
	}

	dataStore, err := store.NewStore(store.Config{
		StoreType:    cfg.StoreType,
		BaseDir:      datadir,
		BadgerLogger: log.StandardLogger(),
	})
	if err != nil {
		transport.Close()
		return nil, err
	}

	svc, err := arkclient.NewService(
		clientCfg, dataStore, transport, wallet.NewProvider(w),
		arkclient.WithChainTimeProvider(explorerSvc),
		arkclient.WithIntentGenerationInterval(generationInterval),
		arkclient.WithSchedulerOptions(arkclient.WithExpiryThreshold(expiryThreshold)),
	)
	if err != nil {
		dataStore.Close()
		transport.Close()
		return nil, err
	}

	return &daemon{
		svc:       svc,
		wallet:    w,
		store:     dataStore,
		transport: transport,
		explorer:  explorerSvc,
	}, nil
}

func (d *daemon) close() {
	d.store.Close()
	d.transport.Close()
}

func openWallet(datadir string) (*singlekeywallet.Wallet, error) {
	walletStore, err := filestore.NewWalletStore(datadir)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet store: %s", err)
	}
	return singlekeywallet.NewWallet(defaultWalletId, walletStore)
}

func readPassword(ctx *cli.Context) ([]byte, error) {
	password := []byte(ctx.String(passwordFlag.Name))
	if len(password) == 0 {
		fmt.Print("unlock your wallet with password: ")
		var err error
		password, err = term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return nil, err
		}
	}
	return password, nil
}

func printJSON(resp any) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}
