package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"powchain/blockchain"
	"powchain/mocks"
)

func sameHead(a, b *FullNode) bool {
	ha, hb := a.Processor().Head(), b.Processor().Head()
	return ha != nil && hb != nil && blockchain.HashBlock(ha) == blockchain.HashBlock(hb)
}

// TestDistributedBlockPropagation runs a mining seed and a follower that
// starts without genesis. The follower syncs the chain from the seed,
// gossips a transaction to it and receives the block that includes it.
func TestDistributedBlockPropagation(t *testing.T) {
	seedCfg := testConfig(t)
	seedCfg.P2P.Enabled = true
	seedCfg.Chain.AutoMine = true
	seed := startNode(t, seedCfg)

	followerCfg := testConfig(t)
	followerCfg.Chain.Genesis = false
	followerCfg.P2P.Enabled = true
	followerCfg.P2P.Seeds = []string{seed.GetP2PServer().Addr().String()}
	followerCfg.API.Enabled = true
	follower := startNode(t, followerCfg)

	waitUntil(t, "chain sync", func() bool { return sameHead(seed, follower) })
	if got, want := testutil.ToFloat64(follower.Metrics().ChainHeight), float64(follower.Processor().State().Index); got != want {
		t.Errorf("Expected chain head gauge %v after sync, got %v", want, got)
	}

	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 21)
	body, _ := json.Marshal(tx)
	resp, err := http.Post("http://"+follower.GetAPIServer().Addr().String()+"/api/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	waitUntil(t, "block 2 on both nodes", func() bool {
		return follower.Processor().State().Index == 2 && sameHead(seed, follower)
	})

	block := follower.Processor().Head()
	if block.Origin != seed.Identity() {
		t.Errorf("Expected block mined by the seed, got origin %s", block.Origin)
	}
	if len(block.Transactions) != 2 || block.Transactions[0] != tx {
		t.Errorf("Expected the gossiped transaction in the block, got %+v", block.Transactions)
	}
	waitUntil(t, "follower pool pruned", func() bool { return follower.Processor().PendingCount() == 0 })
}

// TestDistributedChainRelay checks that a block is relayed through a
// middle node to a peer that is not connected to the miner.
func TestDistributedChainRelay(t *testing.T) {
	minerCfg := testConfig(t)
	minerCfg.P2P.Enabled = true
	miner := startNode(t, minerCfg)

	relayCfg := testConfig(t)
	relayCfg.P2P.Enabled = true
	relayCfg.P2P.Seeds = []string{miner.GetP2PServer().Addr().String()}
	relay := startNode(t, relayCfg)

	edgeCfg := testConfig(t)
	edgeCfg.P2P.Enabled = true
	edgeCfg.P2P.Seeds = []string{relay.GetP2PServer().Addr().String()}
	edge := startNode(t, edgeCfg)

	waitUntil(t, "peers connected", func() bool {
		return miner.GetP2PServer().GetPeerManager().Count() == 1 &&
			relay.GetP2PServer().GetPeerManager().Count() == 2 &&
			edge.GetP2PServer().GetPeerManager().Count() == 1
	})

	ctx := context.Background()
	tx := mocks.GenerateValidTransaction(mocks.GenerateKeyPair(), mocks.GenerateKeyPair().PublicKey, 1)
	if _, err := miner.Processor().SubmitTransaction(ctx, tx); err != nil {
		t.Fatalf("Failed to submit transaction: %v", err)
	}
	if err := miner.Processor().StartMining(ctx); err != nil {
		t.Fatalf("Failed to start mining: %v", err)
	}

	waitUntil(t, "block relayed to the edge", func() bool {
		return edge.Processor().State().Index == 2 && sameHead(miner, edge) && sameHead(relay, edge)
	})
	if got := testutil.ToFloat64(edge.Metrics().BlocksAccepted.WithLabelValues("remote")); got != 1 {
		t.Errorf("Expected one remote block accepted at the edge, got %v", got)
	}
	if got := testutil.ToFloat64(miner.Metrics().BlocksMined); got != 1 {
		t.Errorf("Expected one block mined, got %v", got)
	}
}
