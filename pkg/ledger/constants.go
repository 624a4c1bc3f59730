package ledger

const (
	operationAddFunds          = "add_funds"
	operationTransferFunds     = "transfer_funds"
	operationWithdrawFunds     = "withdraw_funds"
	operationModifyWallet      = "modify_wallet"
	operationUpdateStatus      = "update_status"
	operationRegisterAccount   = "register_account"
	operationQueryHistory      = "query_history"
	operationWalletDetails     = "wallet_details"
	operationAllTransactions   = "all_transactions"
	operationPartnerHistory    = "partner_transactions"
	operationResolveCaller     = "resolve_caller"
	operationStatusOK          = "ok"
	operationStatusError       = "error"
	referencePrefixAddFunds    = "ADD"
	referencePrefixTransfer    = "TRF"
	referencePrefixWithdrawal  = "WTH"
	referencePrefixAdjustment  = "ADJ"
	referenceDelimiter         = "-"
	descriptionAddFunds        = "Funds added to wallet"
	descriptionWithdrawal      = "Withdrawal request"
	descriptionAdjustment      = "Wallet adjustment"
	descriptionTransferTo      = "Transfer to %s"
	descriptionReceivedFrom    = "Received from %s"
	metadataKeyPaymentMethod   = "paymentMethod"
	metadataKeyTransferredTo   = "transferredTo"
	metadataKeyTransferredFrom = "transferredFrom"
	metadataKeyBankDetails     = "bankDetails"
	metadataKeyReason          = "reason"
	metadataKeyAdjustedBy      = "adjustedBy"
	metadataKeyBalanceAfter    = "balanceAfter"

	// DefaultPage and DefaultPageSize apply when a query leaves pagination unspecified.
	DefaultPage     = 1
	DefaultPageSize = 10
	// MaxPageSize bounds a single history page.
	MaxPageSize = 100
	// RecentTransactionsLimit is the number of records returned with wallet details.
	RecentTransactionsLimit = 10
)
