package walletapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	minorUnitDigits     = 2
	queryKeyStartDate   = "startDate"
	queryKeyEndDate     = "endDate"
	queryKeyType        = "type"
	queryKeyStatus      = "status"
	queryKeyPage        = "page"
	queryKeyLimit       = "limit"
	dateOnlyLayout      = "2006-01-02"
	endOfDayAdjustment  = 24*time.Hour - time.Nanosecond
	errInvalidAmountMsg = "amount must be a positive value with at most two decimal places"
)

var (
	errMissingAmount  = errors.New("amount is required")
	errInvalidAmount  = errors.New(errInvalidAmountMsg)
	errConflictAmount = errors.New("amount and amountCents disagree")
	centsPerUnit      = decimal.New(1, minorUnitDigits)
)

// amountInput accepts either a major-unit decimal or integer cents.
type amountInput struct {
	Amount      *decimal.Decimal `json:"amount"`
	AmountCents *int64           `json:"amountCents"`
}

func (input amountInput) cents() (ledger.AmountCents, error) {
	var (
		resolved int64
		present  bool
	)
	if input.Amount != nil {
		scaled := input.Amount.Mul(centsPerUnit)
		if !scaled.IsInteger() || !scaled.IsPositive() || !scaled.BigInt().IsInt64() {
			return 0, errInvalidAmount
		}
		resolved = scaled.IntPart()
		present = true
	}
	if input.AmountCents != nil {
		if present && *input.AmountCents != resolved {
			return 0, errConflictAmount
		}
		resolved = *input.AmountCents
		present = true
	}
	if !present {
		return 0, errMissingAmount
	}
	amount, err := ledger.NewAmountCents(resolved)
	if err != nil {
		return 0, errInvalidAmount
	}
	return amount, nil
}

type addFundsRequest struct {
	amountInput
	PaymentMethod  string         `json:"paymentMethod"`
	PaymentDetails map[string]any `json:"paymentDetails"`
}

type transferRequest struct {
	amountInput
	PartnerID   string `json:"partnerId"`
	Description string `json:"description"`
}

type withdrawRequest struct {
	amountInput
	BankDetails ledger.BankDetails `json:"bankDetails"`
}

type adjustmentRequest struct {
	amountInput
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type transactionPayload struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	Amount      string          `json:"amount"`
	AmountCents int64           `json:"amountCents"`
	Description string          `json:"description"`
	Reference   string          `json:"reference"`
	Status      string          `json:"status"`
	Metadata    json.RawMessage `json:"metadata"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type operationResponse struct {
	Balance      string             `json:"balance"`
	BalanceCents int64              `json:"balanceCents"`
	Transaction  transactionPayload `json:"transaction"`
}

type transferResponse struct {
	MCPBalance          string             `json:"mcpBalance"`
	MCPBalanceCents     int64              `json:"mcpBalanceCents"`
	PartnerBalance      string             `json:"partnerBalance"`
	PartnerBalanceCents int64              `json:"partnerBalanceCents"`
	Transaction         transactionPayload `json:"transaction"`
	PartnerTransaction  transactionPayload `json:"partnerTransaction"`
}

type walletResponse struct {
	Balance            string               `json:"balance"`
	BalanceCents       int64                `json:"balanceCents"`
	LastUpdated        time.Time            `json:"lastUpdated"`
	RecentTransactions []transactionPayload `json:"recentTransactions"`
}

type paginationPayload struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

type historyResponse struct {
	Transactions []transactionPayload `json:"transactions"`
	Pagination   paginationPayload    `json:"pagination"`
}

func formatCents(cents int64) string {
	return decimal.New(cents, -minorUnitDigits).StringFixed(minorUnitDigits)
}

func newTransactionPayload(record ledger.TransactionRecord) transactionPayload {
	return transactionPayload{
		ID:          record.ID().String(),
		OwnerID:     record.OwnerID().String(),
		Sequence:    record.Sequence(),
		Type:        record.Type().String(),
		Amount:      formatCents(record.Amount().Int64()),
		AmountCents: record.Amount().Int64(),
		Description: record.Description(),
		Reference:   record.Reference(),
		Status:      record.Status().String(),
		Metadata:    json.RawMessage(record.Metadata().String()),
		CreatedAt:   record.CreatedAt(),
		UpdatedAt:   record.UpdatedAt(),
	}
}

func newTransactionPayloads(records []ledger.TransactionRecord) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(records))
	for _, record := range records {
		payloads = append(payloads, newTransactionPayload(record))
	}
	return payloads
}

func newOperationResponse(result ledger.OperationResult) operationResponse {
	return operationResponse{
		Balance:      formatCents(result.Balance.Int64()),
		BalanceCents: result.Balance.Int64(),
		Transaction:  newTransactionPayload(result.Transaction),
	}
}

func newTransferResponse(result ledger.TransferResult) transferResponse {
	return transferResponse{
		MCPBalance:          formatCents(result.SourceBalance.Int64()),
		MCPBalanceCents:     result.SourceBalance.Int64(),
		PartnerBalance:      formatCents(result.TargetBalance.Int64()),
		PartnerBalanceCents: result.TargetBalance.Int64(),
		Transaction:         newTransactionPayload(result.Debit),
		PartnerTransaction:  newTransactionPayload(result.Credit),
	}
}

func newWalletResponse(details ledger.WalletDetails) walletResponse {
	return walletResponse{
		Balance:            formatCents(details.Balance.Int64()),
		BalanceCents:       details.Balance.Int64(),
		LastUpdated:        details.LastUpdated,
		RecentTransactions: newTransactionPayloads(details.RecentTransactions),
	}
}

func newHistoryResponse(page ledger.HistoryPage) historyResponse {
	return historyResponse{
		Transactions: newTransactionPayloads(page.Transactions),
		Pagination: paginationPayload{
			Total:      page.Pagination.Total,
			Page:       page.Pagination.Page,
			Limit:      page.Pagination.PageSize,
			TotalPages: page.Pagination.TotalPages,
		},
	}
}

// queryValues abstracts gin's query accessor so parsing stays testable.
type queryValues interface {
	Query(key string) string
}

// parseHistoryQuery reads filters from the query string. Date-only end dates cover the whole day.
func parseHistoryQuery(values queryValues) (ledger.HistoryQuery, error) {
	query := ledger.HistoryQuery{
		Type:   ledger.TransactionType(strings.TrimSpace(values.Query(queryKeyType))),
		Status: ledger.TransactionStatus(strings.TrimSpace(values.Query(queryKeyStatus))),
	}
	var err error
	if query.From, _, err = parseTimeParam(values.Query(queryKeyStartDate)); err != nil {
		return ledger.HistoryQuery{}, fmt.Errorf("%w: %s: %v", ledger.ErrInvalidDateRange, queryKeyStartDate, err)
	}
	var dateOnly bool
	if query.To, dateOnly, err = parseTimeParam(values.Query(queryKeyEndDate)); err != nil {
		return ledger.HistoryQuery{}, fmt.Errorf("%w: %s: %v", ledger.ErrInvalidDateRange, queryKeyEndDate, err)
	}
	if dateOnly {
		query.To = query.To.Add(endOfDayAdjustment)
	}
	if query.Page, err = parseIntParam(values.Query(queryKeyPage)); err != nil {
		return ledger.HistoryQuery{}, fmt.Errorf("%w: %s: %v", ledger.ErrInvalidPagination, queryKeyPage, err)
	}
	if query.PageSize, err = parseIntParam(values.Query(queryKeyLimit)); err != nil {
		return ledger.HistoryQuery{}, fmt.Errorf("%w: %s: %v", ledger.ErrInvalidPagination, queryKeyLimit, err)
	}
	return query, nil
}

func parseTimeParam(raw string) (time.Time, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, false, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return parsed.UTC(), false, nil
	}
	parsed, err := time.Parse(dateOnlyLayout, trimmed)
	if err != nil {
		return time.Time{}, false, err
	}
	return parsed.UTC(), true, nil
}

func parseIntParam(raw string) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.Atoi(trimmed)
}
