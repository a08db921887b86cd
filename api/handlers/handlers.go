package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"powchain/blockchain"
	"powchain/blockchain/processing"
)

// Processor is the part of the consensus actor the API drives
type Processor interface {
	SubmitTransaction(ctx context.Context, tx blockchain.Transaction) (blockchain.AdmissionResult, error)
	SubmitCandidate(ctx context.Context, block *blockchain.Block, isLocal bool) (blockchain.Outcome, error)
	PendingTransactions(ctx context.Context) ([]blockchain.Transaction, error)
	StartMining(ctx context.Context) error
	StopMining(ctx context.Context) error
	MiningState() processing.MiningState
	PendingCount() int
}

// TxBroadcaster gossips transactions admitted through the API. It may be nil
// on nodes without networking.
type TxBroadcaster interface {
	BroadcastTransaction(tx blockchain.Transaction) int
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// writeProcessorError maps a failed command to a response. The processor
// only fails when it is shutting down or the request was abandoned.
func writeProcessorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, processing.ErrProcessorStopped):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(c, http.StatusServiceUnavailable, "request abandoned")
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}
