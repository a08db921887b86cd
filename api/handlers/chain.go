package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"powchain/blockchain"
	"powchain/blockchain/store"
)

func HandleChainHeight(c *gin.Context, chainStore store.ChainStore) {
	height, err := chainStore.GetChainHeight()
	if err != nil {
		writeError(c, http.StatusInternalServerError, fmt.Sprintf("Failed to get chain height: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"height": height})
}

func HandleChainHead(c *gin.Context, chainStore store.ChainStore) {
	block, err := chainStore.GetHeadBlock()
	if err != nil {
		writeError(c, http.StatusInternalServerError, fmt.Sprintf("Failed to get head block: %v", err))
		return
	}
	if block == nil {
		writeError(c, http.StatusNotFound, "chain has no head block")
		return
	}
	c.JSON(http.StatusOK, block)
}

func HandleChain(c *gin.Context, chainStore store.ChainStore) {
	chain, err := chainStore.GetChain()
	if err != nil {
		writeError(c, http.StatusInternalServerError, fmt.Sprintf("Failed to get chain: %v", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"length": len(chain),
		"chain":  chain,
	})
}

// HandleChainValid re-validates the whole stored chain
func HandleChainValid(c *gin.Context, chainStore store.ChainStore, engine *blockchain.Engine) {
	chain, err := chainStore.GetChain()
	if err != nil {
		writeError(c, http.StatusInternalServerError, fmt.Sprintf("Failed to get chain: %v", err))
		return
	}

	response := gin.H{"length": len(chain), "valid": true}
	if err := blockchain.ValidateChain(chain, engine); err != nil {
		response["valid"] = false
		response["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, response)
}
