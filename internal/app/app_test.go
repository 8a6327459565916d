package app

import (
	"path/filepath"
	"testing"

	brcfg "tradecore/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *brcfg.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := brcfg.Default()
	cfg.Data.CandleDir = filepath.Join(dir, "candles")
	cfg.Data.ResultDir = filepath.Join(dir, "results")
	cfg.Data.JournalPath = filepath.Join(dir, "results", "signals.db")
	cfg.Data.AutoFetch = false
	cfg.App.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func TestNewApp(t *testing.T) {
	cfg := testConfig(t)
	a, err := NewApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Summary)
	assert.Equal(t, "default", a.LevelTable().Name)
	assert.Equal(t, "default", a.Summary.LevelTable.Table.Name)
	assert.Contains(t, a.Summary.Symbols, "ES")
	assert.Equal(t, cfg.Data.JournalPath, a.Summary.Data.JournalPath)
	assert.False(t, a.Summary.Data.AutoFetch)
	assert.NotNil(t, a.backtest.server)
}

func TestNewAppNilConfig(t *testing.T) {
	_, err := NewApp(nil)
	assert.Error(t, err)
}

func TestNewAppBadLevelTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signal.LevelTablePath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewApp(cfg)
	assert.Error(t, err)
}

func TestAliasesOrNil(t *testing.T) {
	assert.Nil(t, aliasesOrNil(nil))
	merged := aliasesOrNil(map[string]string{"es": "ESM24.CME"})
	assert.Equal(t, "ESM24.CME", merged["ES"])
	assert.Equal(t, "NQ=F", merged["NQ"])
}

func TestFormatSymbols(t *testing.T) {
	assert.Equal(t, "-", formatSymbols(nil))
	assert.Equal(t, "ES, NQ", formatSymbols([]string{"ES", "NQ"}))
}
