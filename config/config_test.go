package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Chain.Difficulty)
	assert.Equal(t, int64(300000), cfg.Chain.TxTimestampWindow)
	assert.Equal(t, int64(10000), cfg.Chain.EmptyTransactionsWait)
	assert.Equal(t, 64, cfg.Node.QueueSize)
	assert.Equal(t, "127.0.0.1:8372", cfg.API.Listen)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain:
  difficulty: 2
  genesis: true
node:
  id: node-a
  store: badger
p2p:
  listen: ":9500"
  seeds: ["127.0.0.1:9501", "127.0.0.1:9502"]
  redialInterval: 3s
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Chain.Difficulty)
	assert.True(t, cfg.Chain.Genesis)
	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, StoreBadger, cfg.Node.Store)
	assert.Equal(t, []string{"127.0.0.1:9501", "127.0.0.1:9502"}, cfg.P2P.Seeds)
	assert.Equal(t, 3*time.Second, cfg.P2P.RedialInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// untouched keys keep their defaults
	assert.Equal(t, int64(300000), cfg.Chain.TxTimestampWindow)
	assert.Equal(t, 8, cfg.P2P.MaxPeers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsZeroDifficulty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zero.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain:\n  difficulty: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.difficulty must be within 1..64")
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chain:\n  difficulty: -1\nnode:\n  store: sqlite\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain.difficulty")
	assert.Contains(t, err.Error(), "node.store")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero difficulty", func(c *Config) { c.Chain.Difficulty = 0 }},
		{"difficulty above hash length", func(c *Config) { c.Chain.Difficulty = 65 }},
		{"zero window", func(c *Config) { c.Chain.TxTimestampWindow = 0 }},
		{"zero wait", func(c *Config) { c.Chain.EmptyTransactionsWait = 0 }},
		{"zero queue", func(c *Config) { c.Node.QueueSize = 0 }},
		{"p2p without listen", func(c *Config) { c.P2P.Listen = "" }},
		{"api without listen", func(c *Config) { c.API.Listen = "" }},
		{"ntp without interval", func(c *Config) {
			c.Clock.NTPServer = "pool.ntp.org"
			c.Clock.SyncInterval = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
