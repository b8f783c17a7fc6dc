package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/langchou/ordergazer/internal/inventory"
)

// SearchInventory 查询官方库存
func (h *Handler) SearchInventory(c *gin.Context) {
	var criteria inventory.Criteria
	if err := c.ShouldBindJSON(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid criteria"})
		return
	}

	cars, err := h.invManager.Search(c.Request.Context(), criteria)
	if err != nil {
		h.logger.Error("Inventory search failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "inventory search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(cars),
		"results": cars,
	})
}
