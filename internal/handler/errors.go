package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/quorumledger/internal/access"
	"github.com/jmerrifield20/quorumledger/internal/approval"
	"github.com/jmerrifield20/quorumledger/internal/executor"
	"github.com/jmerrifield20/quorumledger/internal/ledger"
)

// Error codes returned in the "code" field of failure responses.
const (
	CodeValidation        = "validation"
	CodeNotFound          = "not_found"
	CodeAlreadyTerminal   = "already_terminal"
	CodeNotApproved       = "not_approved"
	CodeAlreadyGranted    = "already_granted"
	CodeSelfDecision      = "self_decision"
	CodeExpired           = "expired"
	CodeNoExecutor        = "no_executor"
	CodeExecutionFailed   = "execution_failed"
	CodeLedgerUnavailable = "ledger_unavailable"
	CodeInternal          = "internal"
)

func errorJSON(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"error": msg, "code": code})
}

// respondError maps a service error onto an HTTP status and error code.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		approvalValidation *approval.ErrValidation
		accessValidation   *access.ErrValidation
		execErr            *approval.ExecutionError
	)

	switch {
	// Checked first: a joined execution error may also carry a ledger failure.
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		logger.Error("ledger unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		errorJSON(c, http.StatusServiceUnavailable, CodeLedgerUnavailable, "audit ledger unavailable")
	case errors.As(err, &approvalValidation), errors.As(err, &accessValidation),
		errors.Is(err, ledger.ErrInvalidRecord):
		errorJSON(c, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, approval.ErrNotFound), errors.Is(err, access.ErrGrantNotFound),
		errors.Is(err, ledger.ErrEntryNotFound):
		errorJSON(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, approval.ErrExpired):
		errorJSON(c, http.StatusGone, CodeExpired, err.Error())
	case errors.Is(err, approval.ErrAlreadyTerminal):
		errorJSON(c, http.StatusConflict, CodeAlreadyTerminal, err.Error())
	case errors.Is(err, approval.ErrNotApproved):
		errorJSON(c, http.StatusConflict, CodeNotApproved, err.Error())
	case errors.Is(err, access.ErrAlreadyGranted):
		errorJSON(c, http.StatusConflict, CodeAlreadyGranted, err.Error())
	case errors.Is(err, approval.ErrSelfDecision):
		errorJSON(c, http.StatusConflict, CodeSelfDecision, err.Error())
	case errors.Is(err, executor.ErrNoExecutor):
		errorJSON(c, http.StatusUnprocessableEntity, CodeNoExecutor, err.Error())
	case errors.As(err, &execErr):
		errorJSON(c, http.StatusBadGateway, CodeExecutionFailed, err.Error())
	default:
		logger.Error("unhandled error", zap.String("path", c.FullPath()), zap.Error(err))
		errorJSON(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
