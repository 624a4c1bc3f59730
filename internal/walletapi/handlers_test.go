package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/observability"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "tauth"
	testCookieName = "app_session"
)

type apiFixture struct {
	router  http.Handler
	config  Config
	service *ledger.Service
	store   *memstore.Store
}

func newAPIFixture(test *testing.T, cache *redis.Client) *apiFixture {
	test.Helper()
	config := Config{
		SessionSigningKey: testSigningKey,
		SessionIssuer:     testIssuer,
		SessionCookieName: testCookieName,
		AllowedOrigins:    []string{"http://localhost:8000"},
	}
	if err := config.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	store := memstore.New()
	metrics := observability.NewMetrics()
	service, err := ledger.NewService(store, func() time.Time { return time.Now().UTC() }, ledger.WithOperationLogger(metrics))
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(testSigningKey),
		Issuer:     testIssuer,
		CookieName: testCookieName,
	})
	if err != nil {
		test.Fatalf("validator: %v", err)
	}
	fixture := &apiFixture{
		router:  NewRouter(config, Dependencies{Service: service, Validator: validator, Metrics: metrics, Cache: cache}),
		config:  config,
		service: service,
		store:   store,
	}
	fixture.register(test, "mcp-1", ledger.RoleCoordinator, "")
	fixture.register(test, "mcp-2", ledger.RoleCoordinator, "")
	fixture.register(test, "partner-1", ledger.RolePartner, "mcp-1")
	fixture.register(test, "legacy-1", ledger.RolePartnerLegacy, "mcp-1")
	fixture.register(test, "admin-1", ledger.RoleAdmin, "")
	return fixture
}

func (fixture *apiFixture) register(test *testing.T, id string, role ledger.Role, coordinator string) {
	test.Helper()
	accountID, _ := ledger.NewAccountID(id)
	account := ledger.Account{ID: accountID, Name: "Name " + id, Role: role}
	if coordinator != "" {
		account.CoordinatorID, _ = ledger.NewAccountID(coordinator)
	}
	if _, err := fixture.service.RegisterAccount(context.Background(), account); err != nil {
		test.Fatalf("register %s: %v", id, err)
	}
}

func sessionCookie(test *testing.T, userID string) *http.Cookie {
	test.Helper()
	claims := &sessionvalidator.Claims{
		UserID:          userID,
		UserEmail:       userID + "@example.com",
		UserDisplayName: userID,
		UserRoles:       []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("token signing failed: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: signed}
}

func (fixture *apiFixture) do(test *testing.T, method string, path string, userID string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	test.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			test.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if userID != "" {
		request.AddCookie(sessionCookie(test, userID))
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](test *testing.T, recorder *httptest.ResponseRecorder) T {
	test.Helper()
	var decoded T
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func expectError(test *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	test.Helper()
	if recorder.Code != status {
		test.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
	envelope := decodeBody[errorEnvelope](test, recorder)
	if envelope.Error.Code != code {
		test.Fatalf("expected code %q, got %q", code, envelope.Error.Code)
	}
}

func TestWalletFlowOverHTTP(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)

	funded := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", map[string]any{
		"amount":         "50.00",
		"paymentMethod":  "UPI",
		"paymentDetails": map[string]any{"upiId": "hub@upi"},
	}, nil)
	if funded.Code != http.StatusOK {
		test.Fatalf("add funds: %d %s", funded.Code, funded.Body.String())
	}
	fundedBody := decodeBody[operationResponse](test, funded)
	if fundedBody.BalanceCents != 5000 || fundedBody.Balance != "50.00" || fundedBody.Transaction.Status != "COMPLETED" {
		test.Fatalf("unexpected funding response %+v", fundedBody)
	}

	transferred := fixture.do(test, http.MethodPost, "/api/wallet/transfers", "mcp-1", map[string]any{
		"partnerId":   "partner-1",
		"amountCents": 1250,
	}, nil)
	if transferred.Code != http.StatusOK {
		test.Fatalf("transfer: %d %s", transferred.Code, transferred.Body.String())
	}
	transferBody := decodeBody[transferResponse](test, transferred)
	if transferBody.MCPBalanceCents != 3750 || transferBody.PartnerBalance != "12.50" {
		test.Fatalf("unexpected transfer response %+v", transferBody)
	}
	if transferBody.Transaction.Reference != transferBody.PartnerTransaction.Reference {
		test.Fatalf("transfer legs must share a reference")
	}

	withdrawn := fixture.do(test, http.MethodPost, "/api/wallet/withdrawals", "partner-1", map[string]any{
		"amount":      10,
		"bankDetails": map[string]any{"accountNumber": "0001", "ifscCode": "SBIN0000001"},
	}, nil)
	if withdrawn.Code != http.StatusOK {
		test.Fatalf("withdraw: %d %s", withdrawn.Code, withdrawn.Body.String())
	}
	withdrawBody := decodeBody[operationResponse](test, withdrawn)
	if withdrawBody.BalanceCents != 1250 || withdrawBody.Transaction.Status != "PENDING" {
		test.Fatalf("pending withdrawal must not move the balance: %+v", withdrawBody)
	}

	settlePath := "/api/admin/wallets/partner-1/transactions/" + withdrawBody.Transaction.ID + "/status"
	settled := fixture.do(test, http.MethodPost, settlePath, "mcp-1", map[string]any{"status": "completed"}, nil)
	if settled.Code != http.StatusOK {
		test.Fatalf("settle: %d %s", settled.Code, settled.Body.String())
	}
	if decodeBody[operationResponse](test, settled).BalanceCents != 250 {
		test.Fatalf("settlement should debit the partner")
	}
	expectError(test, fixture.do(test, http.MethodPost, settlePath, "admin-1", map[string]any{"status": "FAILED"}, nil), http.StatusConflict, "invalid_status_transition")

	wallet := fixture.do(test, http.MethodGet, "/api/wallet", "partner-1", nil, nil)
	walletBody := decodeBody[walletResponse](test, wallet)
	if walletBody.BalanceCents != 250 || len(walletBody.RecentTransactions) != 2 {
		test.Fatalf("unexpected wallet %+v", walletBody)
	}
	if walletBody.RecentTransactions[0].Type != "DEBIT" {
		test.Fatalf("recent transactions must be newest first")
	}

	history := fixture.do(test, http.MethodGet, "/api/wallet/transactions?type=CREDIT&page=1&limit=5", "partner-1", nil, nil)
	historyBody := decodeBody[historyResponse](test, history)
	if historyBody.Pagination.Total != 1 || historyBody.Pagination.Limit != 5 || historyBody.Transactions[0].AmountCents != 1250 {
		test.Fatalf("unexpected history %+v", historyBody)
	}

	partnerAudit := fixture.do(test, http.MethodGet, "/api/admin/partners/partner-1/transactions", "mcp-1", nil, nil)
	if decodeBody[historyResponse](test, partnerAudit).Pagination.Total != 2 {
		test.Fatalf("coordinator should see the partner history: %s", partnerAudit.Body.String())
	}
	all := fixture.do(test, http.MethodGet, "/api/admin/transactions?limit=100", "admin-1", nil, nil)
	if decodeBody[historyResponse](test, all).Pagination.Total != 4 {
		test.Fatalf("admin should see every record: %s", all.Body.String())
	}
}

func TestErrorMapping(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)

	testCases := []struct {
		name    string
		method  string
		path    string
		userID  string
		payload any
		status  int
		code    string
	}{
		{name: "partner cannot fund", method: http.MethodPost, path: "/api/wallet/funds", userID: "partner-1", payload: map[string]any{"amount": 5}, status: http.StatusForbidden, code: "forbidden"},
		{name: "foreign partner", method: http.MethodPost, path: "/api/wallet/transfers", userID: "mcp-2", payload: map[string]any{"partnerId": "partner-1", "amount": 1}, status: http.StatusUnprocessableEntity, code: "invalid_counterparty"},
		{name: "overdraw", method: http.MethodPost, path: "/api/wallet/transfers", userID: "mcp-1", payload: map[string]any{"partnerId": "partner-1", "amount": 1}, status: http.StatusUnprocessableEntity, code: "insufficient_balance"},
		{name: "withdraw over balance", method: http.MethodPost, path: "/api/wallet/withdrawals", userID: "partner-1", payload: map[string]any{"amount": 1}, status: http.StatusUnprocessableEntity, code: "insufficient_balance"},
		{name: "fractional cents", method: http.MethodPost, path: "/api/wallet/funds", userID: "mcp-1", payload: map[string]any{"amount": "1.005"}, status: http.StatusBadRequest, code: codeInvalidAmount},
		{name: "missing amount", method: http.MethodPost, path: "/api/wallet/funds", userID: "mcp-1", payload: map[string]any{}, status: http.StatusBadRequest, code: codeInvalidAmount},
		{name: "bad json", method: http.MethodPost, path: "/api/wallet/funds", userID: "mcp-1", payload: "nope", status: http.StatusBadRequest, code: codeInvalidPayload},
		{name: "modern partner adjustment", method: http.MethodPost, path: "/api/admin/wallets/partner-1/adjustments", userID: "admin-1", payload: map[string]any{"amount": 1, "type": "credit", "reason": "bonus"}, status: http.StatusNotFound, code: "account_not_found"},
		{name: "unknown transaction", method: http.MethodPost, path: "/api/admin/wallets/partner-1/transactions/missing/status", userID: "admin-1", payload: map[string]any{"status": "COMPLETED"}, status: http.StatusNotFound, code: "transaction_not_found"},
		{name: "bad pagination", method: http.MethodGet, path: "/api/wallet/transactions?limit=500", userID: "mcp-1", status: http.StatusBadRequest, code: "invalid_pagination"},
		{name: "bad date", method: http.MethodGet, path: "/api/wallet/transactions?startDate=yesterday", userID: "mcp-1", status: http.StatusBadRequest, code: "invalid_date_range"},
		{name: "inverted range", method: http.MethodGet, path: "/api/wallet/transactions?startDate=2024-02-01&endDate=2024-01-01", userID: "mcp-1", status: http.StatusBadRequest, code: "invalid_date_range"},
		{name: "partner audit denied", method: http.MethodGet, path: "/api/admin/transactions", userID: "mcp-1", status: http.StatusForbidden, code: "forbidden"},
		{name: "foreign partner audit", method: http.MethodGet, path: "/api/admin/partners/partner-1/transactions", userID: "mcp-2", status: http.StatusForbidden, code: "forbidden"},
		{name: "unregistered account", method: http.MethodGet, path: "/api/wallet", userID: "stranger", status: http.StatusUnauthorized, code: codeUnauthorized},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			expectError(test, fixture.do(test, testCase.method, testCase.path, testCase.userID, testCase.payload, nil), testCase.status, testCase.code)
		})
	}

	anonymous := fixture.do(test, http.MethodGet, "/api/wallet", "", nil, nil)
	if anonymous.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without a session, got %d", anonymous.Code)
	}
}

func TestLegacyPartnerAdjustment(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)

	credited := fixture.do(test, http.MethodPost, "/api/admin/wallets/legacy-1/adjustments", "admin-1", map[string]any{"amount": "7.25", "type": "credit", "reason": "bonus"}, nil)
	if credited.Code != http.StatusOK {
		test.Fatalf("adjust: %d %s", credited.Code, credited.Body.String())
	}
	body := decodeBody[operationResponse](test, credited)
	if body.BalanceCents != 725 {
		test.Fatalf("expected 725 cents, got %d", body.BalanceCents)
	}
	var metadata map[string]any
	if err := json.Unmarshal(body.Transaction.Metadata, &metadata); err != nil {
		test.Fatalf("metadata: %v", err)
	}
	if metadata["reason"] != "bonus" || metadata["adjustedBy"] != "admin-1" || metadata["balanceAfter"] != float64(725) {
		test.Fatalf("unexpected adjustment metadata %v", metadata)
	}
	expectError(test, fixture.do(test, http.MethodPost, "/api/admin/wallets/legacy-1/adjustments", "admin-1", map[string]any{"amount": 10, "type": "DEBIT"}, nil), http.StatusUnprocessableEntity, "insufficient_balance")
}

func TestSessionAndMetricsEndpoints(test *testing.T) {
	test.Parallel()
	fixture := newAPIFixture(test, nil)
	session := fixture.do(test, http.MethodGet, "/api/session", "partner-1", nil, nil)
	if session.Code != http.StatusOK {
		test.Fatalf("session: %d", session.Code)
	}
	sessionBody := decodeBody[map[string]any](test, session)
	if sessionBody["role"] != "PICKUP_PARTNER" || sessionBody["accountId"] != "partner-1" || sessionBody["authUrl"] != defaultTAuthBaseURL {
		test.Fatalf("unexpected session %v", sessionBody)
	}
	_ = fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", map[string]any{"amount": 3}, nil)

	metrics := fixture.do(test, http.MethodGet, "/metrics", "", nil, nil)
	if metrics.Code != http.StatusOK || !bytes.Contains(metrics.Body.Bytes(), []byte(`partnerwallet_wallet_operation_amount_cents_total{operation="add_funds"} 300`)) {
		test.Fatalf("metrics missing funded amount:\n%s", metrics.Body.String())
	}
}
