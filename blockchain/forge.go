package blockchain

import (
	"errors"
	"time"
)

type BlockCreationParams struct {
	State        ChainState
	Transactions []Transaction // snapshot of the pool, copied again here
	Proof        NonceType
	Origin       string
	Timestamp    int64 // ms since epoch; zero means now
}

// NewBlock assembles a candidate on top of params.State. The pool is never
// touched here; included transactions are pruned only once the block is
// accepted.
func NewBlock(params BlockCreationParams) (*Block, error) {
	if params.State.Head == nil {
		return nil, errors.New("cannot build a block without a chain head")
	}

	ts := params.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &Block{
		Index:        params.State.Index + 1,
		Timestamp:    ts,
		Transactions: CloneTransactions(params.Transactions),
		Proof:        params.Proof,
		PreviousHash: HashBlock(params.State.Head),
		Origin:       params.Origin,
	}, nil
}

// NewRewardTransaction builds the miner's reward, signed with the node key
func NewRewardTransaction(kp *KeyPair, timestamp int64) Transaction {
	tx := Transaction{
		Sender:    RewardSender,
		Recipient: kp.PublicKey,
		Amount:    MiningReward,
		Timestamp: timestamp,
	}
	SignTransaction(&tx, kp)
	return tx
}
