package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the wallet service.
var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrAccountNotFound         = errors.New("account not found")
	ErrAccountExists           = errors.New("account already exists")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidTransaction      = errors.New("invalid transaction")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrInvalidCounterparty     = errors.New("invalid counterparty")
	ErrStoreTransactionAborted = errors.New("store transaction aborted")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidPagination       = errors.New("invalid pagination")
	ErrInvalidDateRange        = errors.New("invalid date range")
	ErrBalanceDrift            = errors.New("balance drift")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidAmountCents      = errors.New("invalid amount cents")
	ErrInvalidBalance          = errors.New("invalid balance")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidStatus           = errors.New("invalid transaction status")
	ErrInvalidRole             = errors.New("invalid role")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// domainErrors are surfaced to callers unchanged; anything else escaping a store
// transaction is reported as ErrStoreTransactionAborted.
var domainErrors = []error{
	ErrWalletNotFound,
	ErrAccountNotFound,
	ErrAccountExists,
	ErrTransactionNotFound,
	ErrForbidden,
	ErrInvalidTransaction,
	ErrInsufficientBalance,
	ErrInvalidCounterparty,
	ErrStoreTransactionAborted,
	ErrInvalidStatusTransition,
	ErrInvalidPagination,
	ErrInvalidDateRange,
	ErrBalanceDrift,
	ErrInvalidAccountID,
	ErrInvalidTransactionID,
	ErrInvalidAmountCents,
	ErrInvalidBalance,
	ErrInvalidTransactionType,
	ErrInvalidStatus,
	ErrInvalidRole,
	ErrInvalidMetadataJSON,
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment. Service failures use the account id.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorCode returns the stable snake_case code for a domain error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountExists):
		return "account_exists"
	case errors.Is(err, ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidCounterparty):
		return "invalid_counterparty"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrInvalidPagination):
		return "invalid_pagination"
	case errors.Is(err, ErrInvalidDateRange):
		return "invalid_date_range"
	case errors.Is(err, ErrBalanceDrift):
		return "balance_drift"
	case errors.Is(err, ErrStoreTransactionAborted):
		return "store_transaction_aborted"
	case isValidationError(err):
		return "invalid_transaction"
	default:
		return "internal"
	}
}

func isValidationError(err error) bool {
	for _, candidate := range []error{
		ErrInvalidTransaction,
		ErrInvalidAccountID,
		ErrInvalidTransactionID,
		ErrInvalidAmountCents,
		ErrInvalidBalance,
		ErrInvalidTransactionType,
		ErrInvalidStatus,
		ErrInvalidRole,
		ErrInvalidMetadataJSON,
	} {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}

func isDomainError(err error) bool {
	for _, candidate := range domainErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}
