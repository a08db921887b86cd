package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"powchain/blockchain"
	"powchain/mocks"
)

var (
	apiURL   string
	accounts int
)

var rootCmd = &cobra.Command{
	Use:   "txgen",
	Short: "Generate signed sample traffic for a powchain node",
}

var (
	curlDir        string
	curlTxCount    int
	curlBlockCount int
	curlDifficulty int
)

var curlCmd = &cobra.Command{
	Use:   "curl",
	Short: "Write curl scripts that post signed transactions and pre-mined blocks",
	Long: `Writes one script per transaction and per block plus scripts that post
them in sequence. Transactions are stamped now and go stale once the node's
timestamp window has passed. Blocks extend the genesis block and are only
accepted by a node that is still at genesis and runs the same difficulty.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeCurlScripts(cmd.OutOrStdout())
	},
}

var (
	botInterval time.Duration
	botBatch    int
)

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Keep posting random signed transactions to a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runBot(ctx, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8372", "node HTTP API base URL")
	rootCmd.PersistentFlags().IntVar(&accounts, "accounts", 3, "number of generated accounts trading with each other")

	curlCmd.Flags().StringVar(&curlDir, "out", "curl", "output directory")
	curlCmd.Flags().IntVar(&curlTxCount, "transactions", 5, "transaction scripts to generate")
	curlCmd.Flags().IntVar(&curlBlockCount, "blocks", 3, "pre-mined block scripts to generate (excluding genesis)")
	curlCmd.Flags().IntVar(&curlDifficulty, "difficulty", blockchain.DefaultDifficulty, "difficulty the blocks are mined at")

	botCmd.Flags().DurationVar(&botInterval, "interval", 5*time.Second, "pause between batches")
	botCmd.Flags().IntVar(&botBatch, "batch", 3, "transactions per batch")

	rootCmd.AddCommand(curlCmd, botCmd)
}

func writeCurlScripts(out io.Writer) error {
	if accounts < 1 {
		return fmt.Errorf("--accounts must be at least 1")
	}
	if err := os.MkdirAll(curlDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", curlDir, err)
	}

	txs := mocks.GenerateRandomTransactions(mocks.GenerateTestAccounts(accounts), curlTxCount)
	var txScripts []string
	for i, tx := range txs {
		name := fmt.Sprintf("post_tx_%d.sh", i+1)
		title := fmt.Sprintf("POST /api/transactions - %.0f from %s", tx.Amount, short(tx.Sender))
		if err := writePostScript(filepath.Join(curlDir, name), title, "/api/transactions", tx); err != nil {
			return err
		}
		txScripts = append(txScripts, name)
		fmt.Fprintf(out, "Generated: %s\n", filepath.Join(curlDir, name))
	}

	var blockScripts []string
	if curlBlockCount > 0 {
		engine := blockchain.NewEngine(curlDifficulty, 0)
		chain := mocks.GeneratePrebuiltChain(engine, curlBlockCount, accounts, 2)
		for _, block := range chain[1:] {
			name := fmt.Sprintf("post_block_%d.sh", block.Index)
			title := fmt.Sprintf("POST /api/blocks - block %d (%s)", block.Index, short(blockchain.HashBlock(block)))
			if err := writePostScript(filepath.Join(curlDir, name), title, "/api/blocks", block); err != nil {
				return err
			}
			blockScripts = append(blockScripts, name)
			fmt.Fprintf(out, "Generated: %s\n", filepath.Join(curlDir, name))
		}
	}

	for name, scripts := range map[string][]string{
		"post_all_transactions.sh": txScripts,
		"post_all_blocks.sh":       blockScripts,
	} {
		if len(scripts) == 0 {
			continue
		}
		if err := writeScript(filepath.Join(curlDir, name), sequentialScript(scripts)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Generated: %s\n", filepath.Join(curlDir, name))
	}

	fmt.Fprintf(out, "\nUsage:\n  1. Start your node: go run ./cmd/node --genesis --difficulty %d\n  2. Run ./%s/post_all_transactions.sh or ./%s/post_all_blocks.sh\n",
		curlDifficulty, curlDir, curlDir)
	return nil
}

func writePostScript(path, title, route string, body interface{}) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	script := fmt.Sprintf(`#!/bin/bash
echo "=== %s ==="

curl -X POST %s%s \
  -H "Content-Type: application/json" \
  -d '%s' \
  --max-time 2 \
  --connect-timeout 2 \
  --fail-with-body \
  | jq '.' 2>/dev/null || cat
echo -e "\n"
`, title, strings.TrimRight(apiURL, "/"), route, data)
	return writeScript(path, script)
}

func sequentialScript(scripts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `#!/bin/bash
cd "$(dirname "$0")"

if ! curl -s --connect-timeout 2 --max-time 2 %s/api/chain/height > /dev/null; then
    echo "Server not responding at %s"
    exit 1
fi

`, strings.TrimRight(apiURL, "/"), apiURL)
	for _, s := range scripts {
		fmt.Fprintf(&b, "./%s || echo \"%s failed, continuing...\"\nsleep 1\n\n", s, s)
	}
	fmt.Fprintf(&b, "curl -s --connect-timeout 2 --max-time 2 %s/api/chain/height | jq '.' 2>/dev/null || cat\n", strings.TrimRight(apiURL, "/"))
	return b.String()
}

func writeScript(filename, content string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filename, []byte(content), 0o755)
}

// runBot posts a batch of random transfers every interval until ctx ends
func runBot(ctx context.Context, out io.Writer) error {
	if accounts < 1 {
		return fmt.Errorf("--accounts must be at least 1")
	}
	traders := mocks.GenerateTestAccounts(accounts)
	client := &http.Client{Timeout: 5 * time.Second}
	endpoint := strings.TrimRight(apiURL, "/") + "/api/transactions"

	ticker := time.NewTicker(botInterval)
	defer ticker.Stop()
	for {
		for _, tx := range mocks.GenerateRandomTransactions(traders, botBatch) {
			res, err := postTransaction(ctx, client, endpoint, tx)
			switch {
			case err != nil:
				fmt.Fprintf(out, "post failed: %v\n", err)
			case res.Accepted:
				fmt.Fprintf(out, "accepted %.0f %s -> %s for block %d\n", tx.Amount, short(tx.Sender), short(tx.Recipient), res.Index)
			default:
				fmt.Fprintf(out, "rejected: %s\n", strings.Join(res.Failures, "; "))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func postTransaction(ctx context.Context, client *http.Client, endpoint string, tx blockchain.Transaction) (*blockchain.AdmissionResult, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res blockchain.AdmissionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	return &res, nil
}

func short(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
