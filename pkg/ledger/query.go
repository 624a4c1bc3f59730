package ledger

import (
	"fmt"
	"sort"
	"time"
)

// HistoryQuery filters and pages a transaction history. Zero values mean "unspecified".
type HistoryQuery struct {
	From     time.Time
	To       time.Time
	Type     TransactionType
	Status   TransactionStatus
	Page     int
	PageSize int
}

// Pagination describes the slice of a filtered history that was returned.
type Pagination struct {
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// HistoryPage is one page of filtered, newest-first transactions.
type HistoryPage struct {
	Transactions []TransactionRecord
	Pagination   Pagination
}

// normalized applies pagination defaults and rejects malformed bounds.
func (query HistoryQuery) normalized() (HistoryQuery, error) {
	if query.Page < 0 || query.PageSize < 0 {
		return HistoryQuery{}, fmt.Errorf("%w: page %d, page size %d", ErrInvalidPagination, query.Page, query.PageSize)
	}
	if query.PageSize > MaxPageSize {
		return HistoryQuery{}, fmt.Errorf("%w: page size %d exceeds %d", ErrInvalidPagination, query.PageSize, MaxPageSize)
	}
	if query.Page == 0 {
		query.Page = DefaultPage
	}
	if query.PageSize == 0 {
		query.PageSize = DefaultPageSize
	}
	if !query.From.IsZero() && !query.To.IsZero() && query.From.After(query.To) {
		return HistoryQuery{}, fmt.Errorf("%w: %s is after %s", ErrInvalidDateRange, query.From.Format(time.RFC3339), query.To.Format(time.RFC3339))
	}
	if query.Type != "" {
		parsed, err := ParseTransactionType(query.Type.String())
		if err != nil {
			return HistoryQuery{}, err
		}
		query.Type = parsed
	}
	if query.Status != "" {
		parsed, err := ParseTransactionStatus(query.Status.String())
		if err != nil {
			return HistoryQuery{}, err
		}
		query.Status = parsed
	}
	return query, nil
}

func (query HistoryQuery) matches(record TransactionRecord) bool {
	if !query.From.IsZero() && record.CreatedAt().Before(query.From) {
		return false
	}
	if !query.To.IsZero() && record.CreatedAt().After(query.To) {
		return false
	}
	if query.Type != "" && record.Type() != query.Type {
		return false
	}
	if query.Status != "" && record.Status() != query.Status {
		return false
	}
	return true
}

// QueryTransactions filters records conjunctively, orders them newest first
// (createdAt, then sequence, then owner) and returns the requested page.
// The input slice is not modified.
func QueryTransactions(records []TransactionRecord, query HistoryQuery) (HistoryPage, error) {
	normalized, err := query.normalized()
	if err != nil {
		return HistoryPage{}, err
	}
	filtered := make([]TransactionRecord, 0, len(records))
	for _, record := range records {
		if normalized.matches(record) {
			filtered = append(filtered, record)
		}
	}
	sort.SliceStable(filtered, func(left, right int) bool {
		leftRecord, rightRecord := filtered[left], filtered[right]
		if !leftRecord.CreatedAt().Equal(rightRecord.CreatedAt()) {
			return leftRecord.CreatedAt().After(rightRecord.CreatedAt())
		}
		if leftRecord.Sequence() != rightRecord.Sequence() {
			return leftRecord.Sequence() > rightRecord.Sequence()
		}
		return leftRecord.OwnerID().String() < rightRecord.OwnerID().String()
	})

	total := len(filtered)
	totalPages := (total + normalized.PageSize - 1) / normalized.PageSize
	page := []TransactionRecord{}
	if normalized.Page <= totalPages {
		start := (normalized.Page - 1) * normalized.PageSize
		end := start + normalized.PageSize
		if end > total {
			end = total
		}
		page = append(page, filtered[start:end]...)
	}
	return HistoryPage{
		Transactions: page,
		Pagination: Pagination{
			Total:      total,
			Page:       normalized.Page,
			PageSize:   normalized.PageSize,
			TotalPages: totalPages,
		},
	}, nil
}
