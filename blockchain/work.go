package blockchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

type NonceType = uint64

// DefaultBatchSize is how many nonces are tried between cancellation checks
const DefaultBatchSize = 4096

// Engine is the proof-of-work predicate. Mining and validation both go
// through Verify so a miner never accepts a proof a validator would reject.
// Build one with NewEngine; the zero value has difficulty 0.
type Engine struct {
	difficulty int
	batchSize  uint64
	prefix     string
}

func NewEngine(difficulty int, batchSize uint64) *Engine {
	if difficulty < 0 {
		difficulty = 0
	}
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{
		difficulty: difficulty,
		batchSize:  batchSize,
		prefix:     strings.Repeat("0", difficulty),
	}
}

// Difficulty is the number of leading zero hex characters a proof needs
func (e *Engine) Difficulty() int {
	return e.difficulty
}

// ProofHash is hash(nonce ∥ parentProof ∥ parentHash) as lowercase hex
func ProofHash(nonce, parentProof NonceType, parentHash string) string {
	buf := make([]byte, 0, 40+len(parentHash))
	buf = strconv.AppendUint(buf, nonce, 10)
	buf = strconv.AppendUint(buf, parentProof, 10)
	buf = append(buf, parentHash...)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether nonce satisfies the difficulty prefix
func (e *Engine) Verify(nonce, parentProof NonceType, parentHash string) bool {
	return strings.HasPrefix(ProofHash(nonce, parentProof, parentHash), e.prefix)
}

// Search returns the first nonce, counting up from zero, that satisfies
// Verify. There is no upper bound on the number of attempts; ctx is checked
// once per batch and its error is returned on cancellation.
func (e *Engine) Search(ctx context.Context, parentProof NonceType, parentHash string) (NonceType, error) {
	batch := e.batchSize
	if batch == 0 {
		batch = DefaultBatchSize
	}

	var nonce NonceType
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		for end := nonce + batch; nonce < end; nonce++ {
			if e.Verify(nonce, parentProof, parentHash) {
				return nonce, nil
			}
		}
	}
}
