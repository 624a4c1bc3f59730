package walletapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newRedisFixture(test *testing.T) (*apiFixture, *miniredis.Miniredis) {
	test.Helper()
	server, err := miniredis.Run()
	if err != nil {
		test.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() {
		_ = cache.Close()
		server.Close()
	})
	return newAPIFixture(test, cache), server
}

func TestIdempotentFundingIsAppliedOnce(test *testing.T) {
	test.Parallel()
	fixture, _ := newRedisFixture(test)
	headers := map[string]string{idempotencyKeyHeader: "fund-1"}
	payload := map[string]any{"amount": 20, "paymentMethod": "UPI"}

	first := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", payload, headers)
	if first.Code != http.StatusOK {
		test.Fatalf("first request: %d %s", first.Code, first.Body.String())
	}
	second := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", payload, headers)
	if second.Code != http.StatusOK {
		test.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	if second.Header().Get(idempotencyReplayedHeader) != "true" {
		test.Fatalf("expected replay header")
	}
	if second.Body.String() != first.Body.String() {
		test.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	wallet := decodeBody[walletResponse](test, fixture.do(test, http.MethodGet, "/api/wallet", "mcp-1", nil, nil))
	if wallet.BalanceCents != 2000 || len(wallet.RecentTransactions) != 1 {
		test.Fatalf("funding applied more than once: %+v", wallet)
	}

	third := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", payload, map[string]string{idempotencyKeyHeader: "fund-2"})
	if third.Code != http.StatusOK || decodeBody[operationResponse](test, third).BalanceCents != 4000 {
		test.Fatalf("a new key must run the operation: %s", third.Body.String())
	}
}

func TestIdempotencyKeysAreScopedPerCaller(test *testing.T) {
	test.Parallel()
	fixture, _ := newRedisFixture(test)
	headers := map[string]string{idempotencyKeyHeader: "shared"}
	for _, userID := range []string{"mcp-1", "mcp-2"} {
		response := fixture.do(test, http.MethodPost, "/api/wallet/funds", userID, map[string]any{"amount": 1}, headers)
		if response.Code != http.StatusOK || response.Header().Get(idempotencyReplayedHeader) != "" {
			test.Fatalf("%s: expected a fresh execution, got %d", userID, response.Code)
		}
	}
}

func TestIdempotencyInProgressAndFailures(test *testing.T) {
	test.Parallel()
	fixture, server := newRedisFixture(test)

	if err := server.Set(idempotencyPrefix+"mcp-1:POST:/api/wallet/funds:busy", inProgressMarker); err != nil {
		test.Fatalf("seed: %v", err)
	}
	busy := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", map[string]any{"amount": 1}, map[string]string{idempotencyKeyHeader: "busy"})
	expectError(test, busy, http.StatusConflict, codeIdempotencyConflict)

	rejected := fixture.do(test, http.MethodPost, "/api/wallet/funds", "partner-1", map[string]any{"amount": 1}, map[string]string{idempotencyKeyHeader: "denied"})
	expectError(test, rejected, http.StatusForbidden, "forbidden")
	replayed := fixture.do(test, http.MethodPost, "/api/wallet/funds", "partner-1", map[string]any{"amount": 1}, map[string]string{idempotencyKeyHeader: "denied"})
	if replayed.Code != http.StatusForbidden || replayed.Header().Get(idempotencyReplayedHeader) != "true" {
		test.Fatalf("client errors are replayed, got %d", replayed.Code)
	}

	server.Close()
	unavailable := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", map[string]any{"amount": 1}, map[string]string{idempotencyKeyHeader: "down"})
	expectError(test, unavailable, http.StatusInternalServerError, codeIdempotencyFailure)

	plain := fixture.do(test, http.MethodPost, "/api/wallet/funds", "mcp-1", map[string]any{"amount": 1}, nil)
	if plain.Code != http.StatusOK {
		test.Fatalf("requests without a key bypass redis, got %d", plain.Code)
	}
}

func TestIdempotencyReleasesKeyWhenHandlerPanics(test *testing.T) {
	test.Parallel()
	server, err := miniredis.Run()
	if err != nil {
		test.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() {
		_ = cache.Close()
		server.Close()
	})
	accountID, err := ledger.NewAccountID("mcp-1")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	caller, err := ledger.NewCaller(accountID, ledger.RoleCoordinator)
	if err != nil {
		test.Fatalf("caller: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery(), func(ctx *gin.Context) {
		ctx.Set(contextKeyCaller, caller)
		ctx.Next()
	}, idempotencyMiddleware(cache, time.Hour, zap.NewNop()))
	attempts := 0
	router.POST("/api/wallet/funds", func(ctx *gin.Context) {
		attempts++
		if attempts == 1 {
			panic("handler exploded")
		}
		ctx.JSON(http.StatusOK, gin.H{"attempt": attempts})
	})

	send := func() *httptest.ResponseRecorder {
		request := httptest.NewRequest(http.MethodPost, "/api/wallet/funds", nil)
		request.Header.Set(idempotencyKeyHeader, "retry-me")
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, request)
		return recorder
	}

	if first := send(); first.Code != http.StatusInternalServerError {
		test.Fatalf("expected recovered 500, got %d", first.Code)
	}
	if server.Exists(idempotencyPrefix + "mcp-1:POST:/api/wallet/funds:retry-me") {
		test.Fatalf("in-progress marker survived the panic")
	}
	if retry := send(); retry.Code != http.StatusOK || retry.Header().Get(idempotencyReplayedHeader) != "" {
		test.Fatalf("retry must run the handler again, got %d", retry.Code)
	}
	if attempts != 2 {
		test.Fatalf("expected 2 handler runs, got %d", attempts)
	}
}
