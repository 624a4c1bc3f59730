package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Service contains the wallet domain logic over a Store.
type Service struct {
	store               Store
	nowFn               func() time.Time
	newID               func() string
	logger              OperationLogger
	lenientPartnerRoles bool
}

// OperationResult is the wallet balance after an operation and the record it appended or changed.
type OperationResult struct {
	Balance     BalanceCents
	Transaction TransactionRecord
}

// TransferResult carries both legs of a transfer.
type TransferResult struct {
	SourceBalance BalanceCents
	TargetBalance BalanceCents
	Debit         TransactionRecord
	Credit        TransactionRecord
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: defaultIDGenerator}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// AddFunds credits the caller's own wallet with a completed top-up.
func (service *Service) AddFunds(ctx context.Context, caller Caller, amount AmountCents, paymentMethod string, details map[string]any) (OperationResult, error) {
	var result OperationResult
	operationError := service.authorize(caller, CapabilityFundWallet)
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			wallet, err := transactionStore.LoadWallet(ctx, caller.AccountID())
			if err != nil {
				return err
			}
			values := map[string]any{metadataKeyPaymentMethod: paymentMethod}
			for key, value := range details {
				values[key] = value
			}
			metadata, err := NewMetadataFromMap(values)
			if err != nil {
				return err
			}
			at := service.now()
			record, err := service.newRecord(caller.AccountID(), TransactionCredit, amount, descriptionAddFunds, reference(referencePrefixAddFunds, at), StatusCompleted, metadata, at)
			if err != nil {
				return err
			}
			appended, err := wallet.AppendTransaction(record, at)
			if err != nil {
				return err
			}
			if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
				return err
			}
			result = OperationResult{Balance: wallet.Balance(), Transaction: appended}
			return nil
		})
	}
	operationError = wrapFailure(operationAddFunds, caller.AccountID(), amount, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:     operationAddFunds,
		AccountID:     caller.AccountID(),
		TransactionID: result.Transaction.ID(),
		Amount:        amount,
		Reference:     result.Transaction.Reference(),
		Error:         operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

// TransferFunds moves amount from the caller to one of its pickup partners. Both legs
// share one reference and commit together or not at all.
func (service *Service) TransferFunds(ctx context.Context, caller Caller, targetID AccountID, amount AmountCents, description string) (TransferResult, error) {
	var result TransferResult
	operationError := service.authorize(caller, CapabilityTransfer)
	if operationError == nil && targetID == caller.AccountID() {
		operationError = fmt.Errorf("%w: cannot transfer to self", ErrInvalidCounterparty)
	}
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			source, err := transactionStore.GetAccount(ctx, caller.AccountID())
			if err != nil {
				return err
			}
			target, err := transactionStore.GetAccount(ctx, targetID)
			if err != nil {
				if isNotFound(err) {
					return fmt.Errorf("%w: %s", ErrInvalidCounterparty, targetID.String())
				}
				return err
			}
			if !service.isTransferablePartner(target.Role) || !target.IsCoordinatedBy(source.ID) {
				return fmt.Errorf("%w: %s is not a partner of %s", ErrInvalidCounterparty, target.ID.String(), source.ID.String())
			}
			wallets, err := loadWalletsOrdered(ctx, transactionStore, source.ID, target.ID)
			if err != nil {
				return err
			}
			sourceWallet, targetWallet := wallets[source.ID], wallets[target.ID]

			at := service.now()
			transferReference := reference(referencePrefixTransfer, at)
			debitMetadata, err := NewMetadataFromMap(map[string]any{metadataKeyTransferredTo: target.ID.String()})
			if err != nil {
				return err
			}
			debit, err := service.newRecord(source.ID, TransactionDebit, amount, fmt.Sprintf(descriptionTransferTo, target.DisplayName()), transferReference, StatusCompleted, debitMetadata, at)
			if err != nil {
				return err
			}
			if debit, err = sourceWallet.AppendTransaction(debit, at); err != nil {
				return err
			}
			creditDescription := description
			if creditDescription == "" {
				creditDescription = fmt.Sprintf(descriptionReceivedFrom, source.DisplayName())
			}
			creditMetadata, err := NewMetadataFromMap(map[string]any{metadataKeyTransferredFrom: source.ID.String()})
			if err != nil {
				return err
			}
			credit, err := service.newRecord(target.ID, TransactionCredit, amount, creditDescription, transferReference, StatusCompleted, creditMetadata, at)
			if err != nil {
				return err
			}
			if credit, err = targetWallet.AppendTransaction(credit, at); err != nil {
				return err
			}
			for _, ownerID := range orderedIDs(source.ID, target.ID) {
				if err := transactionStore.SaveWallet(ctx, wallets[ownerID]); err != nil {
					return err
				}
			}
			result = TransferResult{
				SourceBalance: sourceWallet.Balance(),
				TargetBalance: targetWallet.Balance(),
				Debit:         debit,
				Credit:        credit,
			}
			return nil
		})
	}
	operationError = wrapFailure(operationTransferFunds, caller.AccountID(), amount, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransferFunds,
		AccountID:      caller.AccountID(),
		CounterpartyID: targetID,
		TransactionID:  result.Debit.ID(),
		Amount:         amount,
		Reference:      result.Debit.Reference(),
		Error:          operationError,
	})
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

// WithdrawFunds records a pending payout from the caller's wallet. The balance only
// changes once the request is settled as COMPLETED.
func (service *Service) WithdrawFunds(ctx context.Context, caller Caller, amount AmountCents, bankDetails BankDetails) (OperationResult, error) {
	var result OperationResult
	operationError := service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
		wallet, err := transactionStore.LoadWallet(ctx, caller.AccountID())
		if err != nil {
			return err
		}
		if !wallet.Balance().Covers(amount) {
			return fmt.Errorf("%w: balance %d", ErrInsufficientBalance, wallet.Balance().Int64())
		}
		metadata, err := NewMetadataFromMap(map[string]any{metadataKeyBankDetails: bankDetails})
		if err != nil {
			return err
		}
		at := service.now()
		record, err := service.newRecord(caller.AccountID(), TransactionDebit, amount, descriptionWithdrawal, reference(referencePrefixWithdrawal, at), StatusPending, metadata, at)
		if err != nil {
			return err
		}
		appended, err := wallet.AppendTransaction(record, at)
		if err != nil {
			return err
		}
		if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
			return err
		}
		result = OperationResult{Balance: wallet.Balance(), Transaction: appended}
		return nil
	})
	operationError = wrapFailure(operationWithdrawFunds, caller.AccountID(), amount, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:     operationWithdrawFunds,
		AccountID:     caller.AccountID(),
		TransactionID: result.Transaction.ID(),
		Amount:        amount,
		Reference:     result.Transaction.Reference(),
		Error:         operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

// ModifyWallet applies an immediately effective administrative credit or debit to a
// partner wallet. The appended record carries the resulting balance in its metadata.
func (service *Service) ModifyWallet(ctx context.Context, caller Caller, targetID AccountID, amount AmountCents, transactionType TransactionType, reason string) (OperationResult, error) {
	var result OperationResult
	operationError := service.authorize(caller, CapabilityAdjustWallet)
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			parsedType, err := ParseTransactionType(transactionType.String())
			if err != nil {
				return err
			}
			target, err := transactionStore.GetAccount(ctx, targetID)
			if err != nil {
				return err
			}
			if !service.isAdjustablePartner(target.Role) {
				return fmt.Errorf("%w: %s is not a pickup partner", ErrAccountNotFound, targetID.String())
			}
			wallet, err := transactionStore.LoadWallet(ctx, targetID)
			if err != nil {
				return err
			}
			balanceAfter, err := applyDelta(wallet.Balance(), parsedType, amount)
			if err != nil {
				return err
			}
			metadata, err := NewMetadataFromMap(map[string]any{
				metadataKeyReason:       reason,
				metadataKeyAdjustedBy:   caller.AccountID().String(),
				metadataKeyBalanceAfter: balanceAfter.Int64(),
			})
			if err != nil {
				return err
			}
			at := service.now()
			record, err := service.newRecord(targetID, parsedType, amount, descriptionAdjustment, reference(referencePrefixAdjustment, at), StatusCompleted, metadata, at)
			if err != nil {
				return err
			}
			appended, err := wallet.AppendTransaction(record, at)
			if err != nil {
				return err
			}
			if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
				return err
			}
			result = OperationResult{Balance: wallet.Balance(), Transaction: appended}
			return nil
		})
	}
	operationError = wrapFailure(operationModifyWallet, targetID, amount, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:      operationModifyWallet,
		AccountID:      targetID,
		CounterpartyID: caller.AccountID(),
		TransactionID:  result.Transaction.ID(),
		Amount:         amount,
		Reference:      result.Transaction.Reference(),
		Error:          operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

func (service *Service) isTransferablePartner(role Role) bool {
	if service.lenientPartnerRoles {
		return role.IsPartner()
	}
	return role == RolePartner
}

func (service *Service) isAdjustablePartner(role Role) bool {
	if service.lenientPartnerRoles {
		return role.IsPartner()
	}
	return role == RolePartnerLegacy
}

func (service *Service) authorize(caller Caller, capability Capability) error {
	if !caller.Can(capability) {
		return fmt.Errorf("%w: %s lacks %s", ErrForbidden, caller.Role().String(), string(capability))
	}
	return nil
}

func (service *Service) newRecord(ownerID AccountID, transactionType TransactionType, amount AmountCents, description string, transactionReference string, status TransactionStatus, metadata MetadataJSON, at time.Time) (TransactionRecord, error) {
	transactionID, err := NewTransactionID(service.newID())
	if err != nil {
		return TransactionRecord{}, err
	}
	return NewTransactionRecord(transactionID, ownerID, transactionType, amount, description, transactionReference, status, metadata, at)
}

func (service *Service) now() time.Time {
	return service.nowFn().UTC()
}

// withTx runs fn in a store transaction. Failures that are not domain errors are
// reported as ErrStoreTransactionAborted.
func (service *Service) withTx(ctx context.Context, fn func(ctx context.Context, transactionStore Store) error) error {
	return classifyStoreError(service.store.WithTx(ctx, fn))
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func classifyStoreError(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreTransactionAborted, err)
}

func wrapFailure(operation string, subject AccountID, amount AmountCents, err error) error {
	if err == nil {
		return nil
	}
	return WrapError(operation, subject.String(), ErrorCode(err), fmt.Errorf("%w: amount %d", err, amount.Int64()))
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrWalletNotFound)
}

func reference(prefix string, at time.Time) string {
	return prefix + referenceDelimiter + strconv.FormatInt(at.UnixMilli(), 10)
}

func orderedIDs(ids ...AccountID) []AccountID {
	ordered := append([]AccountID(nil), ids...)
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].String() < ordered[right].String()
	})
	return ordered
}

// loadWalletsOrdered locks wallets in ascending id order so concurrent transfers
// between the same pair cannot deadlock.
func loadWalletsOrdered(ctx context.Context, transactionStore Store, ids ...AccountID) (map[AccountID]*Wallet, error) {
	wallets := make(map[AccountID]*Wallet, len(ids))
	for _, ownerID := range orderedIDs(ids...) {
		wallet, err := transactionStore.LoadWallet(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		wallets[ownerID] = wallet
	}
	return wallets, nil
}
