package blockchain

import (
	"errors"
	"fmt"
	"math"
)

// Admission failure reasons, reported in this order
const (
	FailureSender    = "sender missing or invalid"
	FailureRecipient = "recipient missing or invalid"
	FailureAmount    = "amount 0, missing or invalid"
	FailureSignature = "invalid signature"
	FailureTimestamp = "invalid timestamp or timestamp exceeds allowed time difference"
	FailureDuplicate = "duplicate transaction"
)

var (
	ErrNoParent             = errors.New("no parent block to link against")
	ErrPreviousHashMismatch = errors.New("previous hash does not match chain head")
	ErrInvalidProof         = errors.New("proof does not satisfy difficulty")
	ErrIndexMismatch        = errors.New("index does not follow chain head")
)

// ValidateTransaction checks every admission rule and returns all failures.
// now and window are milliseconds. An empty result means the transaction is
// valid. Timestamps at or before the epoch are never fresh.
func ValidateTransaction(tx *Transaction, now, window int64) []string {
	var failures []string

	if tx.Sender == "" {
		failures = append(failures, FailureSender)
	}
	if tx.Recipient == "" {
		failures = append(failures, FailureRecipient)
	}
	if tx.Amount <= 0 || math.IsNaN(tx.Amount) || math.IsInf(tx.Amount, 0) {
		failures = append(failures, FailureAmount)
	}
	if !tx.IsReward() && !CheckSignature(tx) {
		failures = append(failures, FailureSignature)
	}
	if tx.Timestamp <= 0 || tx.Timestamp < now-window {
		failures = append(failures, FailureTimestamp)
	}

	return failures
}

// ValidateBlock checks that block links to prev, sits at prev's index + 1
// and carries a valid proof
func ValidateBlock(prev, block *Block, engine *Engine) error {
	if prev == nil {
		return ErrNoParent
	}
	if block == nil {
		return errors.New("nil block")
	}

	if block.Index != prev.Index+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrIndexMismatch, block.Index, prev.Index+1)
	}

	prevHash := HashBlock(prev)
	if block.PreviousHash != prevHash {
		return fmt.Errorf("%w: got %s, head is %s", ErrPreviousHashMismatch, short(block.PreviousHash), short(prevHash))
	}

	if !engine.Verify(block.Proof, prev.Proof, block.PreviousHash) {
		return fmt.Errorf("%w: proof %d on parent proof %d", ErrInvalidProof, block.Proof, prev.Proof)
	}

	return nil
}

// ValidBlock is ValidateBlock as a predicate
func ValidBlock(prev, block *Block, engine *Engine) bool {
	return ValidateBlock(prev, block, engine) == nil
}

// ValidChain walks consecutive pairs of blocks starting at genesis and
// returns false at the first broken link or invalid proof.
func ValidChain(blocks []*Block, engine *Engine) bool {
	return ValidateChain(blocks, engine) == nil
}

// ValidateChain is ValidChain reporting which block failed
func ValidateChain(blocks []*Block, engine *Engine) error {
	if len(blocks) == 0 {
		return errors.New("chain has no blocks")
	}

	lastBlock := blocks[0]
	for i := 1; i < len(blocks); i++ {
		if err := ValidateBlock(lastBlock, blocks[i], engine); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		lastBlock = blocks[i]
	}

	return nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
