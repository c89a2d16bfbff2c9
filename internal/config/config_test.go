package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.PendingSweepInterval)
	assert.Equal(t, 10*time.Second, cfg.ActiveSweepInterval)
	assert.Equal(t, 10*time.Minute, cfg.PairRefreshInterval)
	assert.Equal(t, 60*time.Second, cfg.LockTTL)
	assert.Equal(t, 8, cfg.SweepConcurrency)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Pairs)
	assert.True(t, cfg.MaxClaimPerSymbol.IsZero())
	assert.False(t, cfg.LedgerEnabled())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ACTIVE_SWEEP_INTERVAL", "2s")
	t.Setenv("PAIRS", " SOLUSDT , BTCVNST ,")
	t.Setenv("MAX_CLAIM_PER_SYMBOL", "5000.5")
	t.Setenv("LEDGER_RPC_URL", "http://localhost:8545")
	t.Setenv("LEDGER_CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000001")
	t.Setenv("LEDGER_PRIVATE_KEY", "deadbeef")
	t.Setenv("LEDGER_CHAIN_ID", "97")

	cfg, err := load(viper.New(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.ActiveSweepInterval)
	assert.Equal(t, []string{"SOLUSDT", "BTCVNST"}, cfg.Pairs)
	assert.Equal(t, "5000.5", cfg.MaxClaimPerSymbol.String())
	assert.Equal(t, int64(97), cfg.LedgerChainID)
	assert.True(t, cfg.LedgerEnabled())
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("PORT: \"7070\"\nSWEEP_CONCURRENCY: 2\n"), 0o600))

	cfg, err := load(viper.New(), dir)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 2, cfg.SweepConcurrency)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"LOG_LEVEL":              "loud",
		"MAX_CLAIM_PER_ASSET":    "lots",
		"PENDING_SWEEP_INTERVAL": "0s",
	}
	for key, val := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := load(viper.New(), t.TempDir())
			assert.Error(t, err)
		})
	}
}
