package walletapi

import (
	"errors"
	"net/http"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/gin-gonic/gin"
)

const (
	codeUnauthorized   = "unauthorized"
	codeInvalidPayload = "invalid_payload"
	codeInvalidAmount  = "invalid_amount"
	codeInternal       = "internal"
)

// statusForError maps a ledger failure onto an HTTP status.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, ledger.ErrInvalidStatusTransition):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInvalidCounterparty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrStoreTransactionAborted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrBalanceDrift):
		return http.StatusInternalServerError
	}
	if ledger.ErrorCode(err) != codeInternal {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondError writes the error envelope. Internal failures do not leak their message.
func respondError(ctx *gin.Context, err error) {
	status := statusForError(err)
	code := ledger.ErrorCode(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	ctx.AbortWithStatusJSON(status, errorResponse(code, message))
}
