// Command sequencer runs the node in sequencer mode: a Block Producer
// driving the EVM Context, with a Blueprints Publisher and Delayed
// Inbox Follower running alongside it. Entrypoint shape grounded on the
// teacher's cmd/evm-node/main.go (cli.App, app.Before logger init).
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
	"github.com/luxfi/evmseq/follower"
	"github.com/luxfi/evmseq/log"
	"github.com/luxfi/evmseq/metrics"
	"github.com/luxfi/evmseq/producer"
	"github.com/luxfi/evmseq/publisher"
	"github.com/luxfi/evmseq/rollupclient"
	"github.com/luxfi/evmseq/sqlindex"
	"github.com/luxfi/evmseq/txpool"
)

const clientIdentifier = "evmseq-sequencer"

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "path to a config file (yaml/json/toml, per spf13/viper)",
}

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "EVM sequencer node for an optimistic rollup anchored to L1",
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
		log.Crit("sequencer: failed to load config", "err", err)
		os.Exit(1)
	}

	rollupAddr, err := decodeRollupAddress(cfg.RollupAddress)
	if err != nil {
		log.Crit("sequencer: invalid rollup_address", "err", err)
		os.Exit(1)
	}

	evmCtx, loaded, err := evmcontext.Init(cfg.DataDir, cfg.Preimages, cfg.PreimagesEndpoint, rollupAddr, cfg.KernelPath, sqlindex.JournalMode(cfg.SQLiteJournalMode))
	if err != nil {
		log.Crit("sequencer: init failed", "err", err)
		os.Exit(1)
	}
	log.Info("sequencer: context initialized", "loaded_from_disk", loaded, "next_blueprint_number", evmCtx.NextBlueprintNumber())

	client := rollupclient.New(cfg.RollupNodeEndpoint, &http.Client{Timeout: 30 * time.Second})
	pool := txpool.New(txpool.Config{
		TimeoutLimit:   cfg.TxPoolTimeoutLimit,
		AddrLimit:      cfg.TxPoolAddrLimit,
		TxPerAddrLimit: cfg.TxPoolTxPerAddrLimit,
		MaxChunks:      cfg.MaxNumberOfChunks,
	})

	// Share the context's own sqlite handle rather than opening a second
	// one onto the same file: sqlite allows only one writer, and two
	// independent single-connection handles can otherwise surface
	// SQLITE_BUSY under concurrent writes even in WAL mode.
	index := evmCtx.Index()

	pub := publisher.New(publisher.Config{
		MaxBlueprintsLag:     cfg.MaxBlueprintsLag,
		MaxBlueprintsCatchup: cfg.MaxBlueprintsCatchup,
		CatchupCooldown:      cfg.CatchupCooldown,
	}, client, index, 256)

	follow := follower.New(follower.Config{Interval: 5 * time.Second}, client, index, evmCtx, follower.AllowAll)

	tbb := producer.TimeBetweenBlocks{Never: cfg.TimeBetweenBlocks.Never, Interval: cfg.TimeBetweenBlocks.Interval}
	prod := producer.New(evmCtx, pool, pub, tbb)

	mreg := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.RPCAddr, cfg.RPCPort), Handler: mux}

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("sequencer: metrics server exited", "err", err)
		}
	}()
	go sampleTxPoolGauge(ctx, pool, mreg)

	go pub.Run(ctx)
	go follow.Run(ctx)
	go prod.Run(ctx)

	select {
	case <-ctx.Done():
		log.Info("sequencer: shutdown signal received")
	case err := <-pub.Fatal():
		log.Crit("sequencer: publisher reported a fatal condition", "err", err)
		shutdown(metricsSrv, prod, follow, pub, evmCtx)
		os.Exit(2)
	}

	shutdown(metricsSrv, prod, follow, pub, evmCtx)
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

func sampleTxPoolGauge(ctx context.Context, pool *txpool.Pool, mreg *metrics.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mreg.TxPoolPending.Set(float64(pool.PendingSize()))
		case <-ctx.Done():
			return
		}
	}
}

// shutdown stops components in reverse start order, each with a bounded
// budget, matching spec §5's global shutdown ordering.
func shutdown(srv *http.Server, prod *producer.Producer, follow *follower.Follower, pub *publisher.Publisher, evmCtx *evmcontext.Context) {
	done := make(chan struct{})
	go func() {
		prod.Stop()
		follow.Stop()
		pub.Stop()
		_ = evmCtx.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Crit("sequencer: shutdown exceeded budget, aborting")
		os.Exit(2)
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}
