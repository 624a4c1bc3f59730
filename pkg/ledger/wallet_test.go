package ledger

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestAppendCompletedCreditIncreasesBalance(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, err := NewWallet(owner, testEpoch)
	if err != nil {
		test.Fatalf("new wallet: %v", err)
	}
	appended, err := wallet.AppendTransaction(mustRecord(test, "t1", owner, TransactionCredit, 500, StatusCompleted, testEpoch), testEpoch.Add(time.Minute))
	if err != nil {
		test.Fatalf("append: %v", err)
	}
	if wallet.Balance() != 500 {
		test.Fatalf("expected balance 500, got %d", wallet.Balance())
	}
	if appended.Sequence() != 1 {
		test.Fatalf("expected sequence 1, got %d", appended.Sequence())
	}
	if !wallet.LastUpdated().Equal(testEpoch.Add(time.Minute)) {
		test.Fatalf("expected lastUpdated refreshed, got %v", wallet.LastUpdated())
	}
	if err := wallet.VerifyBalance(); err != nil {
		test.Fatalf("verify: %v", err)
	}
}

func TestAppendCompletedDebitRejectsOverdraw(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	if _, err := wallet.AppendTransaction(mustRecord(test, "t1", owner, TransactionCredit, 100, StatusCompleted, testEpoch), testEpoch); err != nil {
		test.Fatalf("append credit: %v", err)
	}
	_, err := wallet.AppendTransaction(mustRecord(test, "t2", owner, TransactionDebit, 150, StatusCompleted, testEpoch), testEpoch)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if wallet.Balance() != 100 || len(wallet.Transactions()) != 1 {
		test.Fatalf("failed append must not mutate wallet: balance %d, records %d", wallet.Balance(), len(wallet.Transactions()))
	}
}

func TestAppendCreditRejectsBalanceOverflow(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	if _, err := wallet.AppendTransaction(mustRecord(test, "t1", owner, TransactionCredit, math.MaxInt64, StatusCompleted, testEpoch), testEpoch); err != nil {
		test.Fatalf("append max credit: %v", err)
	}
	_, err := wallet.AppendTransaction(mustRecord(test, "t2", owner, TransactionCredit, 1, StatusCompleted, testEpoch), testEpoch)
	if !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction, got %v", err)
	}
	if wallet.Balance().Int64() != math.MaxInt64 || len(wallet.Transactions()) != 1 {
		test.Fatalf("rejected credit must not mutate wallet: balance %d, records %d", wallet.Balance(), len(wallet.Transactions()))
	}
}

func TestAppendPendingDebitLeavesBalance(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	if _, err := wallet.AppendTransaction(mustRecord(test, "t1", owner, TransactionDebit, 50, StatusPending, testEpoch), testEpoch); err != nil {
		test.Fatalf("append pending: %v", err)
	}
	if wallet.Balance() != 0 {
		test.Fatalf("pending debit must not move balance, got %d", wallet.Balance())
	}
}

func TestAppendRejectsForeignOwnerAndDuplicateID(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	other := mustAccountID(test, "other")
	wallet, _ := NewWallet(owner, testEpoch)
	if _, err := wallet.AppendTransaction(mustRecord(test, "t1", other, TransactionCredit, 10, StatusCompleted, testEpoch), testEpoch); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction for foreign owner, got %v", err)
	}
	record := mustRecord(test, "t1", owner, TransactionCredit, 10, StatusCompleted, testEpoch)
	if _, err := wallet.AppendTransaction(record, testEpoch); err != nil {
		test.Fatalf("append: %v", err)
	}
	if _, err := wallet.AppendTransaction(record, testEpoch); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction for duplicate id, got %v", err)
	}
}

func TestNewTransactionRecordValidation(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	id := mustTransactionID(test, "t1")
	if _, err := NewTransactionRecord(id, owner, TransactionCredit, 0, "desc", "REF", StatusCompleted, MetadataJSON{}, testEpoch); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction for zero amount, got %v", err)
	}
	if _, err := NewTransactionRecord(id, owner, TransactionType("REFUND"), 10, "desc", "REF", StatusCompleted, MetadataJSON{}, testEpoch); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction for unknown type, got %v", err)
	}
	if _, err := NewTransactionRecord(id, owner, TransactionCredit, 10, " ", "REF", StatusCompleted, MetadataJSON{}, testEpoch); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("expected ErrInvalidTransaction for empty description, got %v", err)
	}
}

func TestUpdateStatusCompletesPendingDebit(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	_, _ = wallet.AppendTransaction(mustRecord(test, "credit", owner, TransactionCredit, 500, StatusCompleted, testEpoch), testEpoch)
	_, _ = wallet.AppendTransaction(mustRecord(test, "withdraw", owner, TransactionDebit, 200, StatusPending, testEpoch), testEpoch)

	settledAt := testEpoch.Add(time.Hour)
	updated, err := wallet.UpdateStatus(mustTransactionID(test, "withdraw"), StatusCompleted, settledAt)
	if err != nil {
		test.Fatalf("update status: %v", err)
	}
	if wallet.Balance() != 300 {
		test.Fatalf("expected balance 300, got %d", wallet.Balance())
	}
	if updated.Status() != StatusCompleted || !updated.UpdatedAt().Equal(settledAt) {
		test.Fatalf("unexpected updated record: %+v", updated)
	}
	if !updated.CreatedAt().Equal(testEpoch) {
		test.Fatalf("createdAt must not change")
	}
	if err := wallet.VerifyBalance(); err != nil {
		test.Fatalf("verify: %v", err)
	}
}

func TestUpdateStatusRejectsTerminalAndUnknown(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	_, _ = wallet.AppendTransaction(mustRecord(test, "done", owner, TransactionCredit, 50, StatusCompleted, testEpoch), testEpoch)

	if _, err := wallet.UpdateStatus(mustTransactionID(test, "done"), StatusCompleted, testEpoch); !errors.Is(err, ErrInvalidStatusTransition) {
		test.Fatalf("expected ErrInvalidStatusTransition, got %v", err)
	}
	if wallet.Balance() != 50 {
		test.Fatalf("repeated completion must not double count, got %d", wallet.Balance())
	}
	if _, err := wallet.UpdateStatus(mustTransactionID(test, "missing"), StatusFailed, testEpoch); !errors.Is(err, ErrTransactionNotFound) {
		test.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestUpdateStatusCompletionCanFailOnBalance(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	_, _ = wallet.AppendTransaction(mustRecord(test, "withdraw", owner, TransactionDebit, 80, StatusPending, testEpoch), testEpoch)

	_, err := wallet.UpdateStatus(mustTransactionID(test, "withdraw"), StatusCompleted, testEpoch)
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	record, _ := wallet.Transaction(mustTransactionID(test, "withdraw"))
	if record.Status() != StatusPending {
		test.Fatalf("record must remain pending, got %s", record.Status())
	}
}

func TestUpdateStatusFailedHasNoBalanceEffect(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	_, _ = wallet.AppendTransaction(mustRecord(test, "credit", owner, TransactionCredit, 90, StatusPending, testEpoch), testEpoch)
	if _, err := wallet.UpdateStatus(mustTransactionID(test, "credit"), StatusProcessing, testEpoch); err != nil {
		test.Fatalf("processing: %v", err)
	}
	if _, err := wallet.UpdateStatus(mustTransactionID(test, "credit"), StatusFailed, testEpoch); err != nil {
		test.Fatalf("failed: %v", err)
	}
	if wallet.Balance() != 0 {
		test.Fatalf("failed record must not move balance, got %d", wallet.Balance())
	}
}

func TestStagedChangesTrackPersistence(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	persisted, err := RestoreTransactionRecord(mustTransactionID(test, "old"), owner, 1, TransactionDebit, 30, "Withdrawal request", "WTH-1", StatusPending, MetadataJSON{}, testEpoch, time.Time{})
	if err != nil {
		test.Fatalf("restore record: %v", err)
	}
	wallet, err := RestoreWallet(owner, 0, testEpoch, []TransactionRecord{persisted})
	if err != nil {
		test.Fatalf("restore wallet: %v", err)
	}
	if len(wallet.PendingAppends()) != 0 {
		test.Fatalf("restored wallet must have no pending appends")
	}
	_, _ = wallet.AppendTransaction(mustRecord(test, "new", owner, TransactionCredit, 40, StatusCompleted, testEpoch), testEpoch)
	if _, err := wallet.UpdateStatus(mustTransactionID(test, "old"), StatusFailed, testEpoch); err != nil {
		test.Fatalf("update: %v", err)
	}
	appends := wallet.PendingAppends()
	if len(appends) != 1 || appends[0].ID().String() != "new" || appends[0].Sequence() != 2 {
		test.Fatalf("unexpected pending appends: %+v", appends)
	}
	changes := wallet.StatusChanges()
	if len(changes) != 1 || changes[0].PreviousStatus != StatusPending || changes[0].Record.Status() != StatusFailed {
		test.Fatalf("unexpected status changes: %+v", changes)
	}
	wallet.MarkPersisted()
	if len(wallet.PendingAppends()) != 0 || len(wallet.StatusChanges()) != 0 {
		test.Fatalf("expected staged changes cleared")
	}
}

func TestRestoreWalletDetectsDrift(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	record, err := RestoreTransactionRecord(mustTransactionID(test, "t1"), owner, 1, TransactionCredit, 100, "Funds added to wallet", "ADD-1", StatusCompleted, MetadataJSON{}, testEpoch, testEpoch)
	if err != nil {
		test.Fatalf("restore record: %v", err)
	}
	if _, err := RestoreWallet(owner, 90, testEpoch, []TransactionRecord{record}); !errors.Is(err, ErrBalanceDrift) {
		test.Fatalf("expected ErrBalanceDrift, got %v", err)
	}
	if _, err := RestoreWallet(owner, 100, testEpoch, []TransactionRecord{record}); err != nil {
		test.Fatalf("consistent wallet: %v", err)
	}
}

func TestCloneIsIndependent(test *testing.T) {
	test.Parallel()
	owner := mustAccountID(test, "owner")
	wallet, _ := NewWallet(owner, testEpoch)
	clone := wallet.Clone()
	_, _ = clone.AppendTransaction(mustRecord(test, "t1", owner, TransactionCredit, 10, StatusCompleted, testEpoch), testEpoch)
	if wallet.Balance() != 0 || len(wallet.Transactions()) != 0 {
		test.Fatalf("original wallet changed through clone")
	}
}
