package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/access"
	"github.com/jmerrifield20/quorumledger/internal/identity"
)

// AccessHandler exposes HTTP endpoints for JIT access grants.
type AccessHandler struct {
	svc    *access.Service
	logger *zap.Logger
}

// NewAccessHandler creates a new AccessHandler.
func NewAccessHandler(svc *access.Service, logger *zap.Logger) *AccessHandler {
	return &AccessHandler{svc: svc, logger: logger}
}

// Register mounts the access routes on the given router group.
func (h *AccessHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/access/grants")
	{
		g.POST("", identity.RequireRole(identity.RoleOperator), h.Grant)
		g.GET("", h.ListActive)
		g.GET("/:id", h.Get)
		g.POST("/:id/revoke", identity.RequireRole(identity.RoleOperator), h.Revoke)
	}
}

type grantRequest struct {
	ApprovalRequestID uuid.UUID `json:"approval_request_id" binding:"required"`
	Permissions       []string  `json:"permissions"         binding:"required"`
	TTLSeconds        int64     `json:"ttl_seconds"         binding:"required"`
}

// Grant handles POST /access/grants: converts an approved request into a grant.
func (h *AccessHandler) Grant(c *gin.Context) {
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	g, err := h.svc.GrantFromApproval(c.Request.Context(), req.ApprovalRequestID, req.Permissions,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// ListActive handles GET /access/grants?subject=: active grants of a subject.
func (h *AccessHandler) ListActive(c *gin.Context) {
	grants, err := h.svc.ListActive(c.Request.Context(), c.Query("subject"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grants": grants, "count": len(grants)})
}

// Get handles GET /access/grants/:id: the grant plus whether it is active now.
func (h *AccessHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	g, err := h.svc.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	active, err := h.svc.IsActive(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"grant": g, "active": active})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /access/grants/:id/revoke.
func (h *AccessHandler) Revoke(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req revokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
			return
		}
	}

	g, err := h.svc.Revoke(c.Request.Context(), id, identity.PrincipalFromCtx(c), req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, g)
}
