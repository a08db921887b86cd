package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"powchain/blockchain/processing"
)

func HandleMiningStatus(c *gin.Context, p Processor) {
	c.JSON(http.StatusOK, gin.H{
		"state":   p.MiningState().String(),
		"pending": p.PendingCount(),
	})
}

// HandleStartMining answers 409 on a node that has not synced a chain yet
func HandleStartMining(c *gin.Context, p Processor) {
	err := p.StartMining(c.Request.Context())
	if errors.Is(err, processing.ErrNoHead) {
		writeError(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": p.MiningState().String()})
}

func HandleStopMining(c *gin.Context, p Processor) {
	if err := p.StopMining(c.Request.Context()); err != nil {
		writeProcessorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": p.MiningState().String()})
}
