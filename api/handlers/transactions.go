package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"powchain/blockchain"
)

// HandleSubmitTransaction admits a signed transaction to the pool. The body
// is the admission result either way; a rejection lists every failed rule.
func HandleSubmitTransaction(c *gin.Context, p Processor, broadcaster TxBroadcaster) {
	var tx blockchain.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	res, err := p.SubmitTransaction(c.Request.Context(), tx)
	if err != nil {
		writeProcessorError(c, err)
		return
	}
	if !res.Accepted {
		c.JSON(http.StatusBadRequest, res)
		return
	}

	if broadcaster != nil {
		broadcaster.BroadcastTransaction(tx)
	}
	c.JSON(http.StatusAccepted, res)
}

func HandlePendingTransactions(c *gin.Context, p Processor) {
	txs, err := p.PendingTransactions(c.Request.Context())
	if err != nil {
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":        len(txs),
		"transactions": txs,
	})
}
