package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/pkg/response"
)

// MarketHandler handles market data API requests
type MarketHandler struct {
	marketService *service.MarketService
}

// NewMarketHandler creates a new MarketHandler
func NewMarketHandler(marketService *service.MarketService) *MarketHandler {
	return &MarketHandler{
		marketService: marketService,
	}
}

// Tick returns the latest cached quote for a symbol
// GET /api/v1/market/tick/:symbol
func (h *MarketHandler) Tick(c *gin.Context) {
	tick, err := h.marketService.GetTick(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		if errors.Is(err, service.ErrTickUnavailable) {
			response.NotFound(c, "no current tick for symbol")
			return
		}
		response.InternalError(c, "failed to read tick")
		return
	}

	response.Success(c, tick)
}

// Status reports the tick stream connection state
// GET /api/v1/market/status
func (h *MarketHandler) Status(c *gin.Context) {
	response.Success(c, gin.H{
		"stream_connected": h.marketService.IsStreamConnected(),
	})
}

// RegisterRoutes registers market data routes
func (h *MarketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	market := rg.Group("/market")
	{
		market.GET("/tick/:symbol", h.Tick)
		market.GET("/status", h.Status)
	}
}
