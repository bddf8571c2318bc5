package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/access"
	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/identity"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// MaxPageSize bounds the number of entries returned by one range request.
const MaxPageSize = 500

// reservedActionPrefixes are written only by the approval workflow and the
// grant service.
var reservedActionPrefixes = []string{approval.ActionPrefix, access.ActionPrefix}

// LedgerHandler exposes HTTP endpoints for the audit ledger.
type LedgerHandler struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(l ledger.Ledger, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: l, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/verify", h.Verify)
		l.GET("/entries", h.ListEntries)
		l.POST("/entries", identity.RequireRole(identity.RoleOperator), h.AppendEntry)
		l.GET("/entries/:seq", h.GetEntry)
	}
}

// Overview handles GET /ledger: returns the chain length and current tail digest.
func (h *LedgerHandler) Overview(c *gin.Context) {
	tail, err := h.ledger.Tail(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     tail.Sequence,
		"tail_digest": tail.Digest,
		"genesis":     ledger.GenesisDigest,
	})
}

type appendEntryRequest struct {
	Action      string          `json:"action"       binding:"required"`
	SubjectType string          `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	Changes     json.RawMessage `json:"changes"`
}

// AppendEntry handles POST /ledger/entries: records a privileged action
// performed by the authenticated principal.
func (h *LedgerHandler) AppendEntry(c *gin.Context) {
	var req appendEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	for _, p := range reservedActionPrefixes {
		if strings.HasPrefix(req.Action, p) {
			errorJSON(c, http.StatusBadRequest, CodeValidation,
				"actions prefixed "+strconv.Quote(p)+" are reserved for workflow transitions")
			return
		}
	}

	var changes any
	if len(req.Changes) > 0 {
		changes = req.Changes
	}
	entry, err := h.ledger.Append(c.Request.Context(),
		identity.PrincipalFromCtx(c), req.Action, req.SubjectType, req.SubjectID, changes)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// ListEntries handles GET /ledger/entries?from=&to=: returns at most
// MaxPageSize entries in ascending order. When more remain, next_from
// names the sequence to resume at.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	from, ok := queryInt64(c, "from", 1)
	if !ok {
		return
	}
	to, ok := queryInt64(c, "to", 0)
	if !ok {
		return
	}
	if from < 1 {
		from = 1
	}
	capped := false
	if to <= 0 || to-from+1 > MaxPageSize {
		to = from + MaxPageSize - 1
		capped = true
	}

	entries, err := h.ledger.Range(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := gin.H{"entries": entries, "from": from, "to": to}
	if capped && len(entries) == MaxPageSize {
		resp["next_from"] = to + 1
	}
	c.JSON(http.StatusOK, resp)
}

// GetEntry handles GET /ledger/entries/:seq: returns a single ledger entry.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		errorJSON(c, http.StatusBadRequest, CodeValidation, "seq must be a positive integer")
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), seq)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Verify handles GET /ledger/verify?from=&to=: replays the chain and
// reports the first broken link. A broken chain is a 200 with valid=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, ok := queryInt64(c, "from", 1)
	if !ok {
		return
	}
	to, ok := queryInt64(c, "to", 0)
	if !ok {
		return
	}

	res, err := h.ledger.Verify(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !res.Valid {
		h.logger.Warn("ledger integrity check failed",
			zap.Int64("broken_at", *res.BrokenAt),
			zap.String("reason", string(res.Reason)),
		)
	}
	c.JSON(http.StatusOK, res)
}
