// Package config loads node configuration from YAML. Every field has a
// default so an empty file (or no file) yields a runnable node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"powchain/blockchain"
	"powchain/logging"
)

type Config struct {
	Chain ChainConfig    `yaml:"chain"`
	Node  NodeConfig     `yaml:"node"`
	P2P   P2PConfig      `yaml:"p2p"`
	API   APIConfig      `yaml:"api"`
	Log   logging.Config `yaml:"log"`
	Clock ClockConfig    `yaml:"clock"`
}

type ChainConfig struct {
	Difficulty int `yaml:"difficulty"`
	// TxTimestampWindow is the maximum transaction age in milliseconds
	TxTimestampWindow int64 `yaml:"txTimestampWindow"`
	// EmptyTransactionsWait is the idle wait in milliseconds when the pool is empty
	EmptyTransactionsWait int64  `yaml:"emptyTransactionsWait"`
	KeyFile               string `yaml:"keyFile"`
	Genesis               bool   `yaml:"genesis"`
	AutoMine              bool   `yaml:"autoMine"`
}

type NodeConfig struct {
	ID           string `yaml:"id"`
	DataDir      string `yaml:"dataDir"`
	Store        string `yaml:"store"`
	QueueSize    int    `yaml:"queueSize"`
	PowBatchSize uint64 `yaml:"powBatchSize"`
}

type P2PConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Listen         string        `yaml:"listen"`
	Seeds          []string      `yaml:"seeds"`
	MaxPeers       int           `yaml:"maxPeers"`
	RedialInterval time.Duration `yaml:"redialInterval"`
}

type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type ClockConfig struct {
	// NTPServer switches freshness checks to an NTP corrected clock
	NTPServer    string        `yaml:"ntpServer"`
	SyncInterval time.Duration `yaml:"syncInterval"`
}

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

func Default() Config {
	return Config{
		Chain: ChainConfig{
			Difficulty:            blockchain.DefaultDifficulty,
			TxTimestampWindow:     blockchain.DefaultTxTimestampWindow,
			EmptyTransactionsWait: blockchain.DefaultEmptyTransactionsWait,
			KeyFile:               "node.key",
		},
		Node: NodeConfig{
			DataDir:      "data",
			Store:        StoreMemory,
			QueueSize:    64,
			PowBatchSize: blockchain.DefaultBatchSize,
		},
		P2P: P2PConfig{
			Enabled:        true,
			Listen:         ":9372",
			MaxPeers:       8,
			RedialInterval: 10 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8372",
		},
		Log: logging.DefaultConfig(),
		Clock: ClockConfig{
			SyncInterval: 10 * time.Minute,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error

	if c.Chain.Difficulty < 1 || c.Chain.Difficulty > 64 {
		errs = append(errs, fmt.Errorf("chain.difficulty must be within 1..64, got %d", c.Chain.Difficulty))
	}
	if c.Chain.TxTimestampWindow <= 0 {
		errs = append(errs, errors.New("chain.txTimestampWindow must be positive"))
	}
	if c.Chain.EmptyTransactionsWait <= 0 {
		errs = append(errs, errors.New("chain.emptyTransactionsWait must be positive"))
	}
	if c.Node.QueueSize <= 0 {
		errs = append(errs, errors.New("node.queueSize must be positive"))
	}
	switch c.Node.Store {
	case StoreMemory, StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("node.store must be %q or %q, got %q", StoreMemory, StoreBadger, c.Node.Store))
	}
	if c.P2P.Enabled && c.P2P.Listen == "" {
		errs = append(errs, errors.New("p2p.listen is required when p2p is enabled"))
	}
	if c.P2P.MaxPeers <= 0 {
		errs = append(errs, errors.New("p2p.maxPeers must be positive"))
	}
	if c.API.Enabled && c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required when the api is enabled"))
	}
	if c.Clock.NTPServer != "" && c.Clock.SyncInterval <= 0 {
		errs = append(errs, errors.New("clock.syncInterval must be positive when an ntp server is set"))
	}

	return errors.Join(errs...)
}
