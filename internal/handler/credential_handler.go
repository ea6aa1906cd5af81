package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/detutorfocus/forex-app/internal/middleware"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/service"
	"github.com/detutorfocus/forex-app/pkg/response"
)

// CredentialHandler handles broker credential API requests
type CredentialHandler struct {
	credService *service.CredentialService
}

// NewCredentialHandler creates a new CredentialHandler
func NewCredentialHandler(credService *service.CredentialService) *CredentialHandler {
	return &CredentialHandler{
		credService: credService,
	}
}

// Create registers a broker account
// POST /api/v1/credentials
func (h *CredentialHandler) Create(c *gin.Context) {
	var req service.CreateCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cred, err := h.credService.Create(middleware.GetUserID(c), &req)
	if err != nil {
		response.InternalError(c, "failed to store credential")
		return
	}

	response.Created(c, cred)
}

// List returns the user's broker accounts
// GET /api/v1/credentials
func (h *CredentialHandler) List(c *gin.Context) {
	creds, err := h.credService.List(middleware.GetUserID(c))
	if err != nil {
		response.InternalError(c, "failed to list credentials")
		return
	}

	response.Success(c, creds)
}

// Delete removes a broker account
// DELETE /api/v1/credentials/:id
func (h *CredentialHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid credential id")
		return
	}

	if err := h.credService.Delete(uint(id), middleware.GetUserID(c)); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			response.NotFound(c, "credential not found")
			return
		}
		response.InternalError(c, "failed to delete credential")
		return
	}

	response.Success(c, gin.H{"deleted": id})
}

// RegisterRoutes registers credential routes
func (h *CredentialHandler) RegisterRoutes(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	creds := rg.Group("/credentials")
	creds.Use(authMiddleware)
	{
		creds.POST("", h.Create)
		creds.GET("", h.List)
		creds.DELETE("/:id", h.Delete)
	}
}
