// Copyright 2025 The binrunner Authors
// This file is part of binrunner.
//
// binrunner is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// binrunner is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with binrunner. If not, see <http://www.gnu.org/licenses/>.

// binrunnerd is the bot-fleet daemon. It wires storage, the shared
// market-data cache, the chain backend and the orchestrator together,
// recovers bots that were running before the last shutdown, and then
// waits for a termination signal.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/solfleet/binrunner/chain"
	"github.com/solfleet/binrunner/config"
	"github.com/solfleet/binrunner/event"
	"github.com/solfleet/binrunner/marketdata"
	"github.com/solfleet/binrunner/orchestrator"
	"github.com/solfleet/binrunner/predictor"
	"github.com/solfleet/binrunner/storage"
)

const (
	clientIdentifier = "binrunnerd"
	version          = "0.1.0"

	// shutdownTimeout bounds the cooperative stop of the whole fleet;
	// past it the process exits non-zero with engines still winding down.
	shutdownTimeout = 30 * time.Second
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "config file overlaying the environment",
	}

	migrateCommand = &cli.Command{
		Name:   "migrate",
		Usage:  "Apply the storage schema and exit",
		Flags:  []cli.Flag{configFlag},
		Action: migrate,
	}
	versionCommand = &cli.Command{
		Name:   "version",
		Usage:  "Print version numbers",
		Action: printVersion,
	}
)

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "the DLMM liquidity-bot daemon",
	Version: version,
	Flags:   []cli.Flag{configFlag},
	Action:  run,
	Commands: []*cli.Command{
		migrateCommand,
		versionCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printVersion(ctx *cli.Context) error {
	fmt.Println(clientIdentifier)
	fmt.Println("Version:", version)
	fmt.Println("Go Version:", runtime.Version())
	fmt.Println("Operating System:", runtime.GOOS)
	return nil
}

// migrate opens the store, which brings the schema up to date, and exits.
func migrate(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	defer store.Close()

	log.Info("Schema up to date", zap.String("path", cfg.DatabasePath))
	return nil
}

// run is the default action: assemble the process, recover the fleet,
// block until signalled, then stop everything within the deadline.
func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting binrunner",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("network", cfg.SolanaNetwork))

	store, err := storage.Open(cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cache := marketdata.NewCache(marketdata.NewHTTPClient(cfg.PoolAPIURL), log)
	bus := event.NewBus(log)
	backend := chain.Backend{Reader: chain.NewRPCReader(cfg.SolanaRPCURL, log)}

	wallet, err := loadWallet(cfg)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if wallet != nil {
		log.Info("Wallet loaded",
			zap.String("address", wallet.Address()),
			zap.Bool("live_trading_confirmed", cfg.LiveTradingConfirmed))
	}

	var ml *predictor.Client
	if cfg.MLServiceURL != "" {
		ml = predictor.NewClient(cfg.MLServiceURL, cfg.MLAPIKey, log)
	}

	orch := orchestrator.New(orchestrator.Config{
		Store:                store,
		Bus:                  bus,
		Cache:                cache,
		Chain:                backend,
		Wallet:               wallet,
		LiveTradingConfirmed: cfg.LiveTradingConfirmed,
		Predictor:            ml,
		Log:                  log,
	})

	// A panic on the wiring goroutine must not strand open positions:
	// close the fleet before going down.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Unrecovered panic, stopping the fleet before exit",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := orch.Close(stopCtx); err != nil {
				log.Error("Emergency shutdown incomplete", zap.Error(err))
			}
			os.Exit(2)
		}
	}()

	if n, err := orch.RecoverRunningBots(ctx.Context); err != nil {
		log.Error("Recovery pass failed", zap.Error(err))
	} else if n > 0 {
		log.Info("Recovered running bots", zap.Int("count", n))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	log.Info("Daemon up", zap.Int("running_bots", orch.RunningCount()))

	s := <-sig
	log.Info("Shutdown signal received", zap.String("signal", s.String()))

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Close(stopCtx); err != nil {
		return fmt.Errorf("shutdown deadline exceeded: %w", err)
	}
	log.Info("Shutdown complete")
	return nil
}

// loadWallet resolves the configured wallet source, if any. Config
// validation has already rejected setting both sources at once.
func loadWallet(cfg *config.Config) (*chain.Wallet, error) {
	switch {
	case cfg.WalletKeyPath != "":
		return chain.LoadWalletFile(cfg.WalletKeyPath)
	case cfg.WalletSecretB64 != "":
		return chain.LoadWalletBase64(cfg.WalletSecretB64)
	default:
		return nil, nil
	}
}
