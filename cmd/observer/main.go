// Command observer runs the node in observer mode: it trusts an
// upstream sequencer's blueprint stream and replays it locally rather
// than producing blocks itself. Entrypoint shape grounded on the
// teacher's cmd/evm-node/main.go.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luxfi/evmseq/config"
	"github.com/luxfi/evmseq/evmcontext"
	"github.com/luxfi/evmseq/evmtypes"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/metrics"
	"github.com/luxfi/evmseq/observer"
	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/sqlindex"
	"github.com/luxfi/evmseq/txpool"
)

const clientIdentifier = "evmseq-observer"

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to a config file (yaml/json/toml, per spf13/viper)",
}

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "EVM observer node that replays an upstream sequencer's blueprint stream",
	Version: "1.0.0",
	Flags:   []cli.Flag{configFlag},
}

func init() {
	app.Action = run
	app.Before = func(ctx *cli.Context) error {
		log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))
		return nil
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.Load(cliCtx.String("config"))
	if err != nil {
		log.Crit("observer: failed to load config", "err", err)
		os.Exit(1)
	}

	rollupAddr, err := decodeRollupAddress(cfg.RollupAddress)
	if err != nil {
		log.Crit("observer: invalid rollup_address", "err", err)
		os.Exit(1)
	}

	evmCtx, loaded, err := evmcontext.Init(cfg.DataDir, cfg.Preimages, cfg.PreimagesEndpoint, rollupAddr, cfg.KernelPath, sqlindex.JournalMode(cfg.SQLiteJournalMode))
	if err != nil {
		log.Crit("observer: init failed", "err", err)
		os.Exit(1)
	}
	log.Info("observer: context initialized", "loaded_from_disk", loaded, "next_blueprint_number", evmCtx.NextBlueprintNumber())

	upstream := cfg.EVMNodeEndpoint
	if upstream == "" {
		upstream = cfg.RollupNodeEndpoint
	}
	client := rollupclient.New(upstream, &http.Client{Timeout: 30 * time.Second})
	pool := txpool.New(txpool.Config{
		TimeoutLimit:   cfg.TxPoolTimeoutLimit,
		AddrLimit:      cfg.TxPoolAddrLimit,
		TxPerAddrLimit: cfg.TxPoolTxPerAddrLimit,
		MaxChunks:      cfg.MaxNumberOfChunks,
	})

	var tbb *time.Duration
	if !cfg.TimeBetweenBlocks.Never {
		tbb = &cfg.TimeBetweenBlocks.Interval
	}
	obs := observer.New(evmCtx, client, pool, tbb)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.RPCAddr, cfg.RPCPort), Handler: mux}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observer: metrics server exited", "err", err)
		}
	}()
	go obs.Run(ctx)

	<-ctx.Done()
	log.Info("observer: shutdown signal received")

	done := make(chan struct{})
	go func() {
		obs.Stop()
		_ = evmCtx.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Crit("observer: shutdown exceeded budget, aborting")
		os.Exit(2)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutCtx)
	return nil
}

func decodeRollupAddress(s string) (evmtypes.RollupAddress, error) {
	var addr evmtypes.RollupAddress
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return addr, fmt.Errorf("rollup_address must be hex-encoded: %w", err)
	}
	if len(raw) != evmtypes.AddressLength {
		return addr, fmt.Errorf("rollup_address has length %d, want %d", len(raw), evmtypes.AddressLength)
	}
	copy(addr[:], raw)
	return addr, nil
}
