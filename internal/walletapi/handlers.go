package walletapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const contextKeyCaller = "wallet_caller"

type httpHandler struct {
	service *ledger.Service
	logger  *zap.Logger
	timeout time.Duration
	authURL string
}

// callerMiddleware resolves the session user into a ledger caller once per request.
func (handler *httpHandler) callerMiddleware(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	accountID, err := ledger.NewAccountID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "session has no user"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	caller, err := handler.service.ResolveCaller(requestCtx, accountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "account is not registered"))
			return
		}
		handler.logger.Error("resolve caller failed", zap.String("account_id", accountID.String()), zap.Error(err))
		respondError(ctx, err)
		return
	}
	ctx.Set(contextKeyCaller, caller)
	ctx.Next()
}

func (handler *httpHandler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	caller, ok := callerFromContext(ctx)
	if claims == nil || !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"accountId": caller.AccountID().String(),
		"role":      caller.Role().String(),
		"email":     claims.GetUserEmail(),
		"display":   claims.GetUserDisplayName(),
		"expires":   claims.GetExpiresAt().Unix(),
		"authUrl":   handler.authURL,
	})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	details, err := handler.service.WalletDetails(requestCtx, caller)
	if err != nil {
		handler.fail(ctx, "wallet details failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newWalletResponse(details))
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	query, err := parseHistoryQuery(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.service.QueryHistory(requestCtx, caller, query)
	if err != nil {
		handler.fail(ctx, "history query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newHistoryResponse(page))
}

func (handler *httpHandler) handleAddFunds(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	var request addFundsRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, ok := resolveAmount(ctx, request.amountInput)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.AddFunds(requestCtx, caller, amount, request.PaymentMethod, request.PaymentDetails)
	if err != nil {
		handler.fail(ctx, "add funds failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newOperationResponse(result))
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	var request transferRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, ok := resolveAmount(ctx, request.amountInput)
	if !ok {
		return
	}
	partnerID, err := ledger.NewAccountID(request.PartnerID)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.TransferFunds(requestCtx, caller, partnerID, amount, request.Description)
	if err != nil {
		handler.fail(ctx, "transfer failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransferResponse(result))
}

func (handler *httpHandler) handleWithdraw(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	var request withdrawRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, ok := resolveAmount(ctx, request.amountInput)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.WithdrawFunds(requestCtx, caller, amount, request.BankDetails)
	if err != nil {
		handler.fail(ctx, "withdrawal failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newOperationResponse(result))
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	targetID, err := ledger.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var request adjustmentRequest
	if !bindJSON(ctx, &request) {
		return
	}
	amount, ok := resolveAmount(ctx, request.amountInput)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.ModifyWallet(requestCtx, caller, targetID, amount, ledger.TransactionType(request.Type), request.Reason)
	if err != nil {
		handler.fail(ctx, "wallet adjustment failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newOperationResponse(result))
}

func (handler *httpHandler) handleStatusUpdate(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	ownerID, err := ledger.NewAccountID(ctx.Param("accountId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	transactionID, err := ledger.NewTransactionID(ctx.Param("transactionId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	var request statusRequest
	if !bindJSON(ctx, &request) {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.UpdateTransactionStatus(requestCtx, caller, ownerID, transactionID, ledger.TransactionStatus(request.Status))
	if err != nil {
		handler.fail(ctx, "status update failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newOperationResponse(result))
}

func (handler *httpHandler) handleAllTransactions(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	query, err := parseHistoryQuery(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.service.AllTransactions(requestCtx, caller, query)
	if err != nil {
		handler.fail(ctx, "all transactions query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newHistoryResponse(page))
}

func (handler *httpHandler) handlePartnerTransactions(ctx *gin.Context) {
	caller, ok := handler.requireCaller(ctx)
	if !ok {
		return
	}
	partnerID, err := ledger.NewAccountID(ctx.Param("partnerId"))
	if err != nil {
		respondError(ctx, err)
		return
	}
	query, err := parseHistoryQuery(ctx)
	if err != nil {
		respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	page, err := handler.service.PartnerTransactions(requestCtx, caller, partnerID, query)
	if err != nil {
		handler.fail(ctx, "partner transactions query failed", err)
		return
	}
	ctx.JSON(http.StatusOK, newHistoryResponse(page))
}

func (handler *httpHandler) requireCaller(ctx *gin.Context) (ledger.Caller, bool) {
	caller, ok := callerFromContext(ctx)
	if !ok {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
	}
	return caller, ok
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	if handler.timeout <= 0 {
		return context.WithCancel(ctx.Request.Context())
	}
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

// fail logs server-side failures and writes the error envelope.
func (handler *httpHandler) fail(ctx *gin.Context, message string, err error) {
	if statusForError(err) >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
	}
	respondError(ctx, err)
}

func bindJSON(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return false
	}
	return true
}

func resolveAmount(ctx *gin.Context, input amountInput) (ledger.AmountCents, bool) {
	amount, err := input.cents()
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(codeInvalidAmount, err.Error()))
		return 0, false
	}
	return amount, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func callerFromContext(ctx *gin.Context) (ledger.Caller, bool) {
	value, ok := ctx.Get(contextKeyCaller)
	if !ok {
		return ledger.Caller{}, false
	}
	caller, ok := value.(ledger.Caller)
	return caller, ok
}
