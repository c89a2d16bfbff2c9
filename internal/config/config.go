// Package config loads service settings from the environment, with an
// optional config.yaml in the working directory.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	RedisURL    string
	NATSURL     string

	LedgerRPCURL          string
	LedgerContractAddress string
	LedgerPrivateKey      string
	LedgerChainID         int64
	SimulateBuyers        bool

	BinanceRESTURL string
	BinanceWSURL   string
	Pairs          []string

	PendingSweepInterval time.Duration
	ActiveSweepInterval  time.Duration
	PairRefreshInterval  time.Duration
	SweepConcurrency     int
	LockTTL              time.Duration

	MaxClaimPerSymbol decimal.Decimal
	MaxClaimPerAsset  decimal.Decimal
}

// LedgerEnabled reports whether an on-chain ledger is configured.
func (c *Config) LedgerEnabled() bool {
	return c.LedgerRPCURL != "" && c.LedgerContractAddress != "" && c.LedgerPrivateKey != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("LEDGER_RPC_URL", "")
	v.SetDefault("LEDGER_CONTRACT_ADDRESS", "")
	v.SetDefault("LEDGER_PRIVATE_KEY", "")
	v.SetDefault("LEDGER_CHAIN_ID", 0)
	v.SetDefault("SIMULATE_BUYERS", false)
	v.SetDefault("BINANCE_REST_URL", "https://fapi.binance.com")
	v.SetDefault("BINANCE_WS_URL", "wss://fstream.binance.com")
	v.SetDefault("PAIRS", "BTCUSDT,ETHUSDT")
	v.SetDefault("PENDING_SWEEP_INTERVAL", "15s")
	v.SetDefault("ACTIVE_SWEEP_INTERVAL", "10s")
	v.SetDefault("PAIR_REFRESH_INTERVAL", "10m")
	v.SetDefault("SWEEP_CONCURRENCY", 8)
	v.SetDefault("LOCK_TTL", "60s")
	v.SetDefault("MAX_CLAIM_PER_SYMBOL", "0")
	v.SetDefault("MAX_CLAIM_PER_ASSET", "0")
}

// Load reads the configuration. A missing config file is not an error.
func Load() (*Config, error) {
	return load(viper.New(), ".")
}

func load(v *viper.Viper, dir string) (*Config, error) {
	setDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Port:                  v.GetString("PORT"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		RedisURL:              v.GetString("REDIS_URL"),
		NATSURL:               v.GetString("NATS_URL"),
		LedgerRPCURL:          v.GetString("LEDGER_RPC_URL"),
		LedgerContractAddress: v.GetString("LEDGER_CONTRACT_ADDRESS"),
		LedgerPrivateKey:      v.GetString("LEDGER_PRIVATE_KEY"),
		LedgerChainID:         v.GetInt64("LEDGER_CHAIN_ID"),
		SimulateBuyers:        v.GetBool("SIMULATE_BUYERS"),
		BinanceRESTURL:        v.GetString("BINANCE_REST_URL"),
		BinanceWSURL:          v.GetString("BINANCE_WS_URL"),
		PendingSweepInterval:  v.GetDuration("PENDING_SWEEP_INTERVAL"),
		ActiveSweepInterval:   v.GetDuration("ACTIVE_SWEEP_INTERVAL"),
		PairRefreshInterval:   v.GetDuration("PAIR_REFRESH_INTERVAL"),
		SweepConcurrency:      v.GetInt("SWEEP_CONCURRENCY"),
		LockTTL:               v.GetDuration("LOCK_TTL"),
	}

	for _, s := range strings.Split(v.GetString("PAIRS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			cfg.Pairs = append(cfg.Pairs, s)
		}
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	var err error
	if cfg.MaxClaimPerSymbol, err = decimal.NewFromString(v.GetString("MAX_CLAIM_PER_SYMBOL")); err != nil {
		return nil, fmt.Errorf("MAX_CLAIM_PER_SYMBOL: %w", err)
	}
	if cfg.MaxClaimPerAsset, err = decimal.NewFromString(v.GetString("MAX_CLAIM_PER_ASSET")); err != nil {
		return nil, fmt.Errorf("MAX_CLAIM_PER_ASSET: %w", err)
	}

	for name, d := range map[string]time.Duration{
		"PENDING_SWEEP_INTERVAL": cfg.PendingSweepInterval,
		"ACTIVE_SWEEP_INTERVAL":  cfg.ActiveSweepInterval,
		"PAIR_REFRESH_INTERVAL":  cfg.PairRefreshInterval,
		"LOCK_TTL":               cfg.LockTTL,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive", name)
		}
	}
	return cfg, nil
}
