package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/detutorfocus/forex-app/internal/middleware"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/internal/venue"
	"github.com/detutorfocus/forex-app/pkg/response"
)

// TradingHandler handles trade execution API requests
type TradingHandler struct {
	execService *service.ExecutionService
	tradeRepo   *repository.TradeRepository
	ledger      *service.LedgerService
}

// NewTradingHandler creates a new TradingHandler
func NewTradingHandler(execService *service.ExecutionService, tradeRepo *repository.TradeRepository, ledger *service.LedgerService) *TradingHandler {
	return &TradingHandler{
		execService: execService,
		tradeRepo:   tradeRepo,
		ledger:      ledger,
	}
}

// Execute submits a new market order
// POST /api/v1/trades
func (h *TradingHandler) Execute(c *gin.Context) {
	var req service.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	trade, err := h.execService.Execute(c.Request.Context(), middleware.GetUserID(c), middleware.Actor(c), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidLot):
			response.BadRequest(c, "invalid lot size")
		case errors.Is(err, repository.ErrCredentialNotFound):
			response.UnprocessableEntity(c, "no broker credential configured")
		case errors.Is(err, service.ErrExecutionFailed):
			// The trade row exists in status failed; its ledger has the
			// full story. Return it so the caller can follow up.
			response.Error(c, http.StatusUnprocessableEntity, -2001, err.Error())
		default:
			response.InternalError(c, "trade execution failed")
		}
		return
	}

	response.Created(c, trade)
}

// Close closes an open trade
// POST /api/v1/trades/:id/close
func (h *TradingHandler) Close(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid trade id")
		return
	}

	var req service.CloseRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.BadRequest(c, err.Error())
		return
	}

	trade, err := h.execService.CloseTrade(c.Request.Context(), middleware.GetUserID(c), middleware.Actor(c), uint(id), &req)
	if err != nil {
		h.closeError(c, err)
		return
	}

	response.Success(c, trade)
}

// Modify updates stop levels on an open trade
// PATCH /api/v1/trades/:id
func (h *TradingHandler) Modify(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid trade id")
		return
	}

	var req service.ModifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	trade, err := h.execService.ModifyTrade(c.Request.Context(), middleware.GetUserID(c), middleware.Actor(c), uint(id), &req)
	if err != nil {
		h.closeError(c, err)
		return
	}

	response.Success(c, trade)
}

// CloseAll closes every open trade for the user
// POST /api/v1/trades/close-all
func (h *TradingHandler) CloseAll(c *gin.Context) {
	result, err := h.execService.CloseAll(c.Request.Context(), middleware.GetUserID(c), middleware.Actor(c))
	if err != nil {
		response.InternalError(c, "close-all sweep failed")
		return
	}

	response.Success(c, result)
}

// List returns the user's trades, latest first
// GET /api/v1/trades
func (h *TradingHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	trades, total, err := h.tradeRepo.GetByUserIDPaginated(middleware.GetUserID(c), page, pageSize)
	if err != nil {
		response.InternalError(c, "failed to list trades")
		return
	}

	response.SuccessPaginated(c, trades, total, page, pageSize)
}

// Get returns one trade with its full audit ledger
// GET /api/v1/trades/:id
func (h *TradingHandler) Get(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid trade id")
		return
	}

	trade, err := h.tradeRepo.GetWithEvents(uint(id), middleware.GetUserID(c))
	if err != nil {
		if errors.Is(err, repository.ErrTradeNotFound) {
			response.NotFound(c, "trade not found")
			return
		}
		response.InternalError(c, "failed to load trade")
		return
	}

	response.Success(c, trade)
}

// RegisterRoutes registers trading routes
func (h *TradingHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	trades := rg.Group("/trades")
	trades.Use(authMiddleware)
	{
		// Mutating routes get full request logging
		trades.POST("", middleware.TradingLoggerMiddleware(), h.Execute)
		trades.POST("/close-all", middleware.TradingLoggerMiddleware(), h.CloseAll)
		trades.POST("/:id/close", middleware.TradingLoggerMiddleware(), h.Close)
		trades.PATCH("/:id", middleware.TradingLoggerMiddleware(), h.Modify)

		trades.GET("", h.List)
		trades.GET("/:id", h.Get)
	}
}

func (h *TradingHandler) closeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrTradeNotFound):
		response.NotFound(c, "trade not found")
	case errors.Is(err, service.ErrTradeNotOpen), errors.Is(err, repository.ErrInvalidTransition):
		response.Conflict(c, "trade is not open")
	case errors.Is(err, repository.ErrCredentialNotFound):
		response.UnprocessableEntity(c, "no broker credential configured")
	case errors.Is(err, venue.ErrConnect):
		response.UnprocessableEntity(c, "venue connection failed")
	default:
		response.InternalError(c, err.Error())
	}
}
