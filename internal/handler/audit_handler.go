package handler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/detutorfocus/forex-app/internal/middleware"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/pkg/response"
)

// AuditHandler handles audit ledger API requests. All routes are
// admin-only; regular users see their own trade ledgers through the trade
// detail endpoint.
type AuditHandler struct {
	ledger *service.LedgerService
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(ledger *service.LedgerService) *AuditHandler {
	return &AuditHandler{
		ledger: ledger,
	}
}

func exportFilter(c *gin.Context) (repository.ExportFilter, error) {
	var filter repository.ExportFilter
	if v := c.Query("trade_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return filter, fmt.Errorf("invalid trade_id")
		}
		filter.TradeID = uint(id)
	}
	filter.RequestID = c.Query("request_id")
	filter.EventType = c.Query("event_type")
	return filter, nil
}

// Export exports matching events
// GET /api/v1/admin/audit/export?format=csv|json
func (h *AuditHandler) Export(c *gin.Context) {
	filter, err := exportFilter(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "csv":
		h.exportCSV(c, filter)
	case "json":
		h.exportJSON(c, filter)
	default:
		response.BadRequest(c, "format must be csv or json")
	}
}

// exportCSV streams the full result set row by row.
func (h *AuditHandler) exportCSV(c *gin.Context, filter repository.ExportFilter) {
	filename := fmt.Sprintf("audit-export-%s.csv", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename="+filename)

	if err := h.ledger.ExportCSV(c.Writer, filter); err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		middleware.LogError("audit CSV export failed: %v", err)
		c.Abort()
	}
}

// exportJSON returns the result set capped at service.ExportJSONCap rows.
// Larger exports must use CSV, which streams.
func (h *AuditHandler) exportJSON(c *gin.Context, filter repository.ExportFilter) {
	total, err := h.ledger.ExportCount(filter)
	if err != nil {
		response.InternalError(c, "failed to count events")
		return
	}

	events, err := h.ledger.ExportJSON(filter)
	if err != nil {
		response.InternalError(c, "failed to export events")
		return
	}

	response.Success(c, gin.H{
		"total":     total,
		"returned":  len(events),
		"truncated": total > int64(len(events)),
		"events":    events,
	})
}

// Verify re-derives the hash chains and reports the first break, if any.
// Unlike export, the only filter is trade_id: a chain can only be verified
// whole.
// GET /api/v1/admin/audit/verify[?trade_id=]
func (h *AuditHandler) Verify(c *gin.Context) {
	var filter repository.ExportFilter
	if v := c.Query("trade_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			response.BadRequest(c, "invalid trade_id")
			return
		}
		filter.TradeID = uint(id)
	}

	report, err := h.ledger.Verify(filter)
	if err != nil {
		response.InternalError(c, "verification walk failed")
		return
	}

	response.Success(c, report)
}

// RegisterRoutes registers admin audit routes
func (h *AuditHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware, adminMiddleware gin.HandlerFunc) {
	admin := rg.Group("/admin/audit")
	admin.Use(authMiddleware, adminMiddleware)
	{
		admin.GET("/export", h.Export)
		admin.GET("/verify", h.Verify)
	}
}
