// Package config loads the node's configuration surface (spec §6's
// enumerated options) via viper (defaults + file + env merging); the only
// urfave/cli/v2 flag the commands pass in is the config file path. Not
// grounded in the teacher itself (which has no config-file story beyond
// raw flags), but viper is the standard way the Go ecosystem layers a
// config file under CLI flags, and is named as an out-of-pack library
// rather than fabricated.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TimeBetweenBlocks mirrors spec §6's time_between_blocks: Never or
// Every(seconds).
type TimeBetweenBlocks struct {
	Never    bool
	Interval time.Duration
}

// Config is the complete set of options enumerated in spec §6.
type Config struct {
	RPCAddr             string
	RPCPort             int
	PrivateRPCPort      int
	CORSOrigins         []string
	CORSHeaders         []string
	MaxActiveConns      int

	RollupNodeEndpoint string
	EVMNodeEndpoint    string // observer mode only

	DataDir            string
	Preimages          string
	PreimagesEndpoint  string
	KernelPath         string
	RollupAddress      string

	TimeBetweenBlocks TimeBetweenBlocks

	MaxBlueprintsLag     uint64
	MaxBlueprintsCatchup uint64
	CatchupCooldown      time.Duration

	TxPoolTimeoutLimit    time.Duration
	TxPoolAddrLimit       int
	TxPoolTxPerAddrLimit  int
	MaxNumberOfChunks     int

	KeepAlive         bool
	SQLiteJournalMode string
}

// defaults matches spec §6's stated defaults for the invariants section.
func defaults() *viper.Viper {
	v := viper.New()
	v.SetDefault("rpc_addr", "127.0.0.1")
	v.SetDefault("rpc_port", 8932)
	v.SetDefault("max_active_connections", 100)
	v.SetDefault("max_blueprints_lag", 100)
	v.SetDefault("max_blueprints_catchup", 1000)
	v.SetDefault("catchup_cooldown", "60s")
	v.SetDefault("keep_alive", true)
	v.SetDefault("sqlite_journal_mode", "wal")
	v.SetDefault("time_between_blocks", "never")
	return v
}

// Load reads configFile (if non-empty), then environment variables
// prefixed EVMSEQ_, layering over the spec's documented defaults.
func Load(configFile string) (*Config, error) {
	v := defaults()
	v.SetEnvPrefix("evmseq")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	tbb, err := parseTimeBetweenBlocks(v.GetString("time_between_blocks"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddr:               v.GetString("rpc_addr"),
		RPCPort:               v.GetInt("rpc_port"),
		PrivateRPCPort:        v.GetInt("private_rpc_port"),
		CORSOrigins:           v.GetStringSlice("cors_origins"),
		CORSHeaders:           v.GetStringSlice("cors_headers"),
		MaxActiveConns:        v.GetInt("max_active_connections"),
		RollupNodeEndpoint:    v.GetString("rollup_node_endpoint"),
		EVMNodeEndpoint:       v.GetString("evm_node_endpoint"),
		DataDir:               v.GetString("data_dir"),
		Preimages:             v.GetString("preimages"),
		PreimagesEndpoint:     v.GetString("preimages_endpoint"),
		KernelPath:            v.GetString("kernel_path"),
		RollupAddress:         v.GetString("rollup_address"),
		TimeBetweenBlocks:     tbb,
		MaxBlueprintsLag:      v.GetUint64("max_blueprints_lag"),
		MaxBlueprintsCatchup:  v.GetUint64("max_blueprints_catchup"),
		CatchupCooldown:       v.GetDuration("catchup_cooldown"),
		TxPoolTimeoutLimit:    v.GetDuration("tx_pool_timeout_limit"),
		TxPoolAddrLimit:       v.GetInt("tx_pool_addr_limit"),
		TxPoolTxPerAddrLimit:  v.GetInt("tx_pool_tx_per_addr_limit"),
		MaxNumberOfChunks:     v.GetInt("max_number_of_chunks"),
		KeepAlive:             v.GetBool("keep_alive"),
		SQLiteJournalMode:     v.GetString("sqlite_journal_mode"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseTimeBetweenBlocks(s string) (TimeBetweenBlocks, error) {
	if s == "" || s == "never" {
		return TimeBetweenBlocks{Never: true}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return TimeBetweenBlocks{}, fmt.Errorf("config: time_between_blocks %q: %w", s, err)
	}
	return TimeBetweenBlocks{Interval: d}, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.RollupNodeEndpoint == "" {
		return fmt.Errorf("config: rollup_node_endpoint is required")
	}
	if c.SQLiteJournalMode != "wal" && c.SQLiteJournalMode != "delete" {
		return fmt.Errorf("config: sqlite_journal_mode must be \"wal\" or \"delete\", got %q", c.SQLiteJournalMode)
	}
	return nil
}
