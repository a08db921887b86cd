package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"powchain/config"
	"powchain/logging"
	"powchain/node"
)

type nodeFlags struct {
	configPath string
	difficulty int
	p2pListen  string
	apiListen  string
	seeds      []string
	genesis    bool
	mine       bool
	store      string
	dataDir    string
	logLevel   string
	ntpServer  string
	noP2P      bool
	noAPI      bool
}

var flags nodeFlags

var rootCmd = &cobra.Command{
	Use:   "powchain-node",
	Short: "Run a proof-of-work ledger node",
	Long: `Runs a full node: the transaction pool, miner and consensus validator,
gossip with peers and the HTTP API.

Examples:
  powchain-node --genesis --mine
  powchain-node --seeds 10.0.0.5:9372 --store badger --data-dir ./data`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "powchain.yaml", "YAML config file (missing file means defaults)")
	f.IntVar(&flags.difficulty, "difficulty", 0, "proof-of-work difficulty in leading hex zeros")
	f.StringVar(&flags.p2pListen, "p2p", "", "gossip listen address")
	f.StringVar(&flags.apiListen, "api", "", "HTTP API listen address")
	f.StringSliceVar(&flags.seeds, "seeds", nil, "seed peers to dial (host:port)")
	f.BoolVar(&flags.genesis, "genesis", false, "seed an empty chain with the genesis block")
	f.BoolVar(&flags.mine, "mine", false, "start mining once the node has a chain")
	f.StringVar(&flags.store, "store", "", "chain store: memory or badger")
	f.StringVar(&flags.dataDir, "data-dir", "", "directory for the node key and badger store")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.ntpServer, "ntp", "", "NTP server used for transaction freshness checks")
	f.BoolVar(&flags.noP2P, "no-p2p", false, "disable gossip")
	f.BoolVar(&flags.noAPI, "no-api", false, "disable the HTTP API")
}

// applyFlags overrides the loaded config with every flag set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("difficulty") {
		cfg.Chain.Difficulty = flags.difficulty
	}
	if changed("p2p") {
		cfg.P2P.Listen = flags.p2pListen
	}
	if changed("api") {
		cfg.API.Listen = flags.apiListen
	}
	if changed("seeds") {
		cfg.P2P.Seeds = flags.seeds
	}
	if changed("genesis") {
		cfg.Chain.Genesis = flags.genesis
	}
	if changed("mine") {
		cfg.Chain.AutoMine = flags.mine
	}
	if changed("store") {
		cfg.Node.Store = flags.store
	}
	if changed("data-dir") {
		cfg.Node.DataDir = flags.dataDir
	}
	if changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if changed("ntp") {
		cfg.Clock.NTPServer = flags.ntpServer
	}
	if flags.noP2P {
		cfg.P2P.Enabled = false
	}
	if flags.noAPI {
		cfg.API.Enabled = false
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	n, err := node.NewFullNode(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	return n.Stop()
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
