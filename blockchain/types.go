package blockchain

const (
	// RewardSender marks a system-issued mining reward transaction
	RewardSender = "0"

	// MiningReward is the fixed amount credited to a miner per block
	MiningReward = 1.0

	DefaultDifficulty = 4

	// DefaultTxTimestampWindow is the freshness window in milliseconds (5 minutes)
	DefaultTxTimestampWindow = 300000

	// DefaultEmptyTransactionsWait is the idle wait in milliseconds (10 seconds)
	DefaultEmptyTransactionsWait = 10000
)

type Transaction struct {
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"`
	Signature string  `json:"signature,omitempty"`
}

// IsReward reports whether the transaction was issued by the system
func (tx *Transaction) IsReward() bool {
	return tx.Sender == RewardSender
}

type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    int64         `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	Proof        uint64        `json:"proof"`
	PreviousHash string        `json:"previous_hash"`
	Origin       string        `json:"origin"`
}

// Clone returns a copy of the block that shares no memory with b
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.Transactions = CloneTransactions(b.Transactions)
	return &c
}

// CloneTransactions copies a transaction slice. Transaction holds only
// value fields so a shallow element copy is a full copy.
func CloneTransactions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	return out
}

// ChainState is the node's view of the chain tip. It is replaced on every
// accepted block and never mutated in place.
type ChainState struct {
	Head  *Block `json:"head"`
	Index uint64 `json:"index"`
}

// NewChainState builds the state for a head block (nil head means no genesis yet)
func NewChainState(head *Block) ChainState {
	if head == nil {
		return ChainState{}
	}
	return ChainState{Head: head, Index: head.Index}
}

// AdmissionResult is the outcome of submitting a transaction to the pool
type AdmissionResult struct {
	Accepted bool     `json:"accepted"`
	Index    uint64   `json:"index,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Outcome is the verdict on a candidate block
type Outcome int

const (
	Rejected Outcome = iota
	Accepted
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}
