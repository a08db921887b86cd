package blockchain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rewardWithSignature(sig string, now int64) Transaction {
	return Transaction{Sender: RewardSender, Recipient: "miner", Amount: 1, Timestamp: now, Signature: sig}
}

func TestPoolSubmit(t *testing.T) {
	now := time.Now().UnixMilli()
	sender := newTestKeys(t)
	recipient := newTestKeys(t).PublicKey

	pool := NewPool()

	tx := signedTx(t, sender, recipient, 10, now)
	res := pool.Submit(tx, now, testWindow, 2)
	assert.True(t, res.Accepted)
	assert.Equal(t, uint64(2), res.Index)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 1, pool.Len())

	t.Run("rejection leaves the pool untouched", func(t *testing.T) {
		unsigned := Transaction{Sender: sender.PublicKey, Recipient: recipient, Amount: 10, Timestamp: now}
		res := pool.Submit(unsigned, now, testWindow, 2)
		assert.False(t, res.Accepted)
		assert.Contains(t, res.Failures, FailureSignature)
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("duplicate signature is rejected", func(t *testing.T) {
		res := pool.Submit(tx, now, testWindow, 2)
		assert.False(t, res.Accepted)
		assert.Equal(t, []string{FailureDuplicate}, res.Failures)
		assert.Equal(t, 1, pool.Len())
	})

	t.Run("reward transactions are deduplicated too", func(t *testing.T) {
		reward := rewardWithSignature("reward-sig", now)
		require.True(t, pool.Submit(reward, now, testWindow, 2).Accepted)
		assert.False(t, pool.Submit(reward, now, testWindow, 2).Accepted)
		assert.Equal(t, 2, pool.Len())
	})
}

func TestPoolPrune(t *testing.T) {
	now := time.Now().UnixMilli()
	pool := NewPool()
	for i := 0; i < 5; i++ {
		require.True(t, pool.Submit(rewardWithSignature(fmt.Sprint(i), now), now, testWindow, 2).Accepted)
	}

	block := &Block{Transactions: []Transaction{
		rewardWithSignature("1", now),
		rewardWithSignature("3", now),
	}}

	removed := pool.Prune(block)
	assert.Equal(t, 2, removed)

	var sigs []string
	for _, tx := range pool.Snapshot() {
		sigs = append(sigs, tx.Signature)
	}
	assert.Equal(t, []string{"0", "2", "4"}, sigs)

	assert.False(t, pool.Contains("1"))
	assert.True(t, pool.Contains("2"))

	// a pruned signature may be admitted again
	assert.True(t, pool.Submit(rewardWithSignature("1", now), now, testWindow, 3).Accepted)
}

func TestPoolPruneUnknownSignatures(t *testing.T) {
	now := time.Now().UnixMilli()
	pool := NewPool()
	require.True(t, pool.Submit(rewardWithSignature("a", now), now, testWindow, 2).Accepted)

	assert.Zero(t, pool.Prune(&Block{Transactions: []Transaction{rewardWithSignature("b", now)}}))
	assert.Zero(t, pool.Prune(&Block{}))
	assert.Zero(t, pool.Prune(nil))
	assert.Equal(t, 1, pool.Len())
}

func TestPoolSnapshotIsIndependent(t *testing.T) {
	now := time.Now().UnixMilli()
	pool := NewPool()
	require.True(t, pool.Submit(rewardWithSignature("a", now), now, testWindow, 2).Accepted)

	snap := pool.Snapshot()
	snap[0].Amount = 500
	snap = append(snap, rewardWithSignature("b", now))

	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, 1.0, pool.Snapshot()[0].Amount)
}
