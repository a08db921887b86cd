package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"powchain/blockchain"
	"powchain/blockchain/store"
)

// HandlePostBlock offers a block to the consensus validator as a remote
// candidate.
func HandlePostBlock(c *gin.Context, p Processor) {
	var block blockchain.Block
	if err := c.ShouldBindJSON(&block); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid JSON")
		return
	}

	outcome, err := p.SubmitCandidate(c.Request.Context(), &block, false)
	if err != nil {
		writeProcessorError(c, err)
		return
	}

	response := gin.H{
		"status": outcome.String(),
		"index":  block.Index,
		"hash":   blockchain.HashBlock(&block),
	}
	if outcome != blockchain.Accepted {
		c.JSON(http.StatusBadRequest, response)
		return
	}
	c.JSON(http.StatusCreated, response)
}

// HandleGetBlock looks a block up by index, or by hash when the id is 64 hex
// characters.
func HandleGetBlock(c *gin.Context, chainStore store.ChainStore) {
	id := c.Param("id")

	var (
		block *blockchain.Block
		err   error
	)
	if isBlockHash(id) {
		block, err = chainStore.GetBlockByHash(id)
	} else {
		index, perr := strconv.ParseUint(id, 10, 64)
		if perr != nil {
			writeError(c, http.StatusBadRequest, "block id must be an index or a 64 character hex hash")
			return
		}
		block, err = chainStore.GetBlockByIndex(index)
	}

	if errors.Is(err, store.ErrUnknownBlock) {
		writeError(c, http.StatusNotFound, fmt.Sprintf("Block not found: %s", id))
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, block)
}

func isBlockHash(id string) bool {
	if len(id) != 64 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
