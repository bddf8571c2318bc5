package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/executor"
	"github.com/jmerrifield20/quorumledger/internal/identity"
)

// ActionExecutor performs the gated action of an approved request.
// *executor.Executor satisfies this interface.
type ActionExecutor interface {
	Has(action string) bool
	For(executedBy string) approval.ActionFunc
}

// ApprovalHandler exposes HTTP endpoints for the quorum approval workflow.
type ApprovalHandler struct {
	workflow   *approval.Workflow
	executor   ActionExecutor // nil = every execute returns no_executor
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewApprovalHandler creates a new ApprovalHandler. ex may be nil.
func NewApprovalHandler(w *approval.Workflow, ex ActionExecutor, defaultTTL time.Duration, logger *zap.Logger) *ApprovalHandler {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &ApprovalHandler{workflow: w, executor: ex, defaultTTL: defaultTTL, logger: logger}
}

// Register mounts the approval routes on the given router group.
func (h *ApprovalHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/approvals")
	{
		a.POST("", h.Create)
		a.GET("", h.List)
		a.GET("/:id", h.Get)
		a.POST("/:id/decisions", identity.RequireRole(identity.RoleApprover), h.Decide)
		a.POST("/:id/execute", identity.RequireRole(identity.RoleOperator), h.Execute)
	}
}

type createApprovalRequest struct {
	Action            string          `json:"action"             binding:"required"`
	SubjectType       string          `json:"subject_type"`
	SubjectID         string          `json:"subject_id"`
	Details           json.RawMessage `json:"details"`
	RequiredApprovals int             `json:"required_approvals" binding:"required"`
	TTLSeconds        int64           `json:"ttl_seconds"`
}

// Create handles POST /approvals: opens a request on behalf of the caller.
func (h *ApprovalHandler) Create(c *gin.Context) {
	var req createApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	ttl := h.defaultTTL
	if req.TTLSeconds != 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	var details any
	if len(req.Details) > 0 {
		details = req.Details
	}

	r, err := h.workflow.Create(c.Request.Context(), approval.CreateRequest{
		Requester:         identity.PrincipalFromCtx(c),
		Action:            req.Action,
		SubjectType:       req.SubjectType,
		SubjectID:         req.SubjectID,
		Details:           details,
		RequiredApprovals: req.RequiredApprovals,
		TTL:               ttl,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// List handles GET /approvals?status=&requester=&limit=&offset=.
func (h *ApprovalHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	rs, err := h.workflow.List(c.Request.Context(), approval.ListFilter{
		Status:    approval.Status(c.Query("status")),
		Requester: c.Query("requester"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": rs, "count": len(rs)})
}

// Get handles GET /approvals/:id.
func (h *ApprovalHandler) Get(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	r, err := h.workflow.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type decideRequest struct {
	Approved *bool  `json:"approved" binding:"required"`
	Reason   string `json:"reason"`
}

// Decide handles POST /approvals/:id/decisions: records the caller's vote.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	r, err := h.workflow.Decide(c.Request.Context(), id, identity.PrincipalFromCtx(c), *req.Approved, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// Execute handles POST /approvals/:id/execute: runs the gated action of an
// approved request through its configured executor.
func (h *ApprovalHandler) Execute(c *gin.Context) {
	id, ok := paramUUID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	r, err := h.workflow.Get(ctx, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if h.executor == nil || !h.executor.Has(r.Action) {
		errorJSON(c, http.StatusUnprocessableEntity, CodeNoExecutor,
			executor.ErrNoExecutor.Error()+": "+r.Action)
		return
	}

	executed, err := h.workflow.Execute(ctx, id, identity.PrincipalFromCtx(c), h.executor.For(identity.PrincipalFromCtx(c)))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, executed)
}
