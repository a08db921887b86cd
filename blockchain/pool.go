package blockchain

// Pool holds admitted transactions that no accepted block contains yet. It
// is not safe for concurrent use; the consensus actor owns it.
type Pool struct {
	txs        []Transaction
	signatures map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{signatures: make(map[string]struct{})}
}

// Submit validates tx and appends it when every rule passes. nextIndex is
// the index of the block the transaction is expected to land in. On failure
// the pool is left untouched.
func (p *Pool) Submit(tx Transaction, now, window int64, nextIndex uint64) AdmissionResult {
	failures := ValidateTransaction(&tx, now, window)
	if p.Contains(tx.Signature) {
		failures = append(failures, FailureDuplicate)
	}
	if len(failures) > 0 {
		return AdmissionResult{Accepted: false, Failures: failures}
	}

	p.txs = append(p.txs, tx)
	p.signatures[tx.Signature] = struct{}{}

	return AdmissionResult{Accepted: true, Index: nextIndex}
}

// Prune removes every entry whose signature appears in block, keeping the
// order of the survivors.
func (p *Pool) Prune(block *Block) int {
	if block == nil || len(block.Transactions) == 0 {
		return 0
	}

	mined := make(map[string]struct{}, len(block.Transactions))
	for i := range block.Transactions {
		mined[block.Transactions[i].Signature] = struct{}{}
	}

	kept := p.txs[:0]
	removed := 0
	for _, tx := range p.txs {
		if _, ok := mined[tx.Signature]; ok {
			delete(p.signatures, tx.Signature)
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	// clear the tail so dropped entries are not retained by the backing array
	for i := len(kept); i < len(p.txs); i++ {
		p.txs[i] = Transaction{}
	}
	p.txs = kept

	return removed
}

func (p *Pool) Contains(signature string) bool {
	_, ok := p.signatures[signature]
	return ok
}

func (p *Pool) Len() int {
	return len(p.txs)
}

// Snapshot returns a copy of the pool contents in admission order
func (p *Pool) Snapshot() []Transaction {
	return CloneTransactions(p.txs)
}
