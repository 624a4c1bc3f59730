package ledger

import (
	"context"
	"fmt"
	"time"
)

// WalletDetails is the balance view returned to a wallet owner.
type WalletDetails struct {
	Balance            BalanceCents
	RecentTransactions []TransactionRecord
	LastUpdated        time.Time
}

// RegisterAccount stores an account and opens its empty wallet. A partner's
// coordinator must already exist with the MCP role.
func (service *Service) RegisterAccount(ctx context.Context, account Account) (Account, error) {
	validated, err := NewAccount(account.ID, account.Name, account.Role, account.CoordinatorID)
	if err == nil {
		err = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if !validated.CoordinatorID.IsZero() {
				coordinator, err := transactionStore.GetAccount(ctx, validated.CoordinatorID)
				if err != nil {
					if isNotFound(err) {
						return fmt.Errorf("%w: coordinator %s", ErrInvalidCounterparty, validated.CoordinatorID.String())
					}
					return err
				}
				if coordinator.Role != RoleCoordinator {
					return fmt.Errorf("%w: %s is not a coordinator", ErrInvalidCounterparty, coordinator.ID.String())
				}
			}
			validated.CreatedAt = service.now()
			return transactionStore.CreateAccount(ctx, validated, validated.CreatedAt)
		})
	}
	if err != nil {
		err = WrapError(operationRegisterAccount, account.ID.String(), ErrorCode(err), err)
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRegisterAccount,
		AccountID:      account.ID,
		CounterpartyID: account.CoordinatorID,
		Error:          err,
	})
	if err != nil {
		return Account{}, err
	}
	return validated, nil
}

// ResolveCaller builds the caller for a stored account.
func (service *Service) ResolveCaller(ctx context.Context, accountID AccountID) (Caller, error) {
	account, err := service.store.GetAccount(ctx, accountID)
	if err != nil {
		return Caller{}, WrapError(operationResolveCaller, accountID.String(), ErrorCode(classifyStoreError(err)), classifyStoreError(err))
	}
	return NewCaller(account.ID, account.Role)
}

// UpdateTransactionStatus settles a record in ownerID's wallet. Admins may settle any
// wallet; coordinators their own and their partners' wallets.
func (service *Service) UpdateTransactionStatus(ctx context.Context, caller Caller, ownerID AccountID, transactionID TransactionID, status TransactionStatus) (OperationResult, error) {
	var result OperationResult
	operationError := service.authorize(caller, CapabilitySettle)
	if operationError == nil {
		operationError = service.withTx(ctx, func(ctx context.Context, transactionStore Store) error {
			parsedStatus, err := ParseTransactionStatus(status.String())
			if err != nil {
				return err
			}
			if err := service.authorizeOwner(ctx, transactionStore, caller, ownerID, CapabilitySettleAnyWallet); err != nil {
				return err
			}
			wallet, err := transactionStore.LoadWallet(ctx, ownerID)
			if err != nil {
				return err
			}
			updated, err := wallet.UpdateStatus(transactionID, parsedStatus, service.now())
			if err != nil {
				return err
			}
			if err := transactionStore.SaveWallet(ctx, wallet); err != nil {
				return err
			}
			result = OperationResult{Balance: wallet.Balance(), Transaction: updated}
			return nil
		})
	}
	var amount AmountCents
	if operationError == nil {
		amount = result.Transaction.Amount()
	}
	operationError = wrapFailure(operationUpdateStatus, ownerID, amount, operationError)
	service.logOperation(ctx, OperationLog{
		Operation:      operationUpdateStatus,
		AccountID:      ownerID,
		CounterpartyID: caller.AccountID(),
		TransactionID:  transactionID,
		Amount:         amount,
		Reference:      result.Transaction.Reference(),
		Error:          operationError,
	})
	if operationError != nil {
		return OperationResult{}, operationError
	}
	return result, nil
}

// WalletDetails returns the caller's balance with its most recent records.
func (service *Service) WalletDetails(ctx context.Context, caller Caller) (WalletDetails, error) {
	wallet, err := service.store.SnapshotWallet(ctx, caller.AccountID())
	if err != nil {
		err = classifyStoreError(err)
		return WalletDetails{}, WrapError(operationWalletDetails, caller.AccountID().String(), ErrorCode(err), err)
	}
	recent, err := QueryTransactions(wallet.Transactions(), HistoryQuery{PageSize: RecentTransactionsLimit})
	if err != nil {
		return WalletDetails{}, WrapError(operationWalletDetails, caller.AccountID().String(), ErrorCode(err), err)
	}
	return WalletDetails{
		Balance:            wallet.Balance(),
		RecentTransactions: recent.Transactions,
		LastUpdated:        wallet.LastUpdated(),
	}, nil
}

// QueryHistory filters and pages the caller's own transaction log.
func (service *Service) QueryHistory(ctx context.Context, caller Caller, query HistoryQuery) (HistoryPage, error) {
	page, err := service.walletHistory(ctx, caller.AccountID(), query)
	if err != nil {
		return HistoryPage{}, WrapError(operationQueryHistory, caller.AccountID().String(), ErrorCode(err), err)
	}
	return page, nil
}

// PartnerTransactions pages a partner's log for an admin or the partner's coordinator.
func (service *Service) PartnerTransactions(ctx context.Context, caller Caller, partnerID AccountID, query HistoryQuery) (HistoryPage, error) {
	err := service.authorize(caller, CapabilityAuditPartners)
	if err == nil {
		err = service.authorizeOwner(ctx, service.store, caller, partnerID, CapabilityAuditAll)
	}
	var page HistoryPage
	if err == nil {
		page, err = service.walletHistory(ctx, partnerID, query)
	}
	if err != nil {
		err = classifyStoreError(err)
		return HistoryPage{}, WrapError(operationPartnerHistory, partnerID.String(), ErrorCode(err), err)
	}
	return page, nil
}

// AllTransactions pages the records of every wallet for an admin.
func (service *Service) AllTransactions(ctx context.Context, caller Caller, query HistoryQuery) (HistoryPage, error) {
	err := service.authorize(caller, CapabilityAuditAll)
	var page HistoryPage
	if err == nil {
		var records []TransactionRecord
		records, err = service.store.ListAllTransactions(ctx)
		if err == nil {
			page, err = QueryTransactions(records, query)
		}
	}
	if err != nil {
		err = classifyStoreError(err)
		return HistoryPage{}, WrapError(operationAllTransactions, caller.AccountID().String(), ErrorCode(err), err)
	}
	return page, nil
}

func (service *Service) walletHistory(ctx context.Context, ownerID AccountID, query HistoryQuery) (HistoryPage, error) {
	wallet, err := service.store.SnapshotWallet(ctx, ownerID)
	if err != nil {
		return HistoryPage{}, classifyStoreError(err)
	}
	return QueryTransactions(wallet.Transactions(), query)
}

// authorizeOwner allows the owner itself, holders of anyWallet, and the owner's coordinator.
func (service *Service) authorizeOwner(ctx context.Context, store Store, caller Caller, ownerID AccountID, anyWallet Capability) error {
	if caller.Can(anyWallet) || caller.AccountID() == ownerID {
		return nil
	}
	owner, err := store.GetAccount(ctx, ownerID)
	if err != nil {
		return err
	}
	if caller.Role() != RoleCoordinator || !owner.IsCoordinatedBy(caller.AccountID()) {
		return fmt.Errorf("%w: %s does not coordinate %s", ErrForbidden, caller.AccountID().String(), ownerID.String())
	}
	return nil
}
