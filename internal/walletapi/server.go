package walletapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/database"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/observability"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/txretry"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const contextKeyClaims = "auth_claims"

// Dependencies are the collaborators the router is built from.
type Dependencies struct {
	Service   *ledger.Service
	Validator *sessionvalidator.Validator
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Cache     *redis.Client
}

// Run boots the HTTP wallet API using the supplied configuration.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	handle, err := database.Open(ctx, database.Config{
		URL:    cfg.DatabaseURL,
		Engine: cfg.StoreEngine,
		Retry:  txretry.DefaultConfig(),
	})
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = handle.Close() }()

	metrics := observability.NewMetrics()
	options := []ledger.ServiceOption{
		ledger.WithOperationLogger(observability.Fanout{observability.NewZapLogger(logger), metrics}),
	}
	if cfg.LenientPartnerRoles {
		options = append(options, ledger.WithLenientPartnerRoles())
	}
	service, err := ledger.NewService(handle.Store, func() time.Time { return time.Now().UTC() }, options...)
	if err != nil {
		return fmt.Errorf("wallet service init: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		cache = redis.NewClient(redisOptions)
		defer func() { _ = cache.Close() }()
		if err := cache.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	router := NewRouter(cfg, Dependencies{
		Service:   service,
		Validator: sessionValidator,
		Logger:    logger,
		Metrics:   metrics,
		Cache:     cache,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("walletapi listening", zap.String("addr", cfg.ListenAddr), zap.String("driver", handle.Driver))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires middleware and routes. cfg must already be validated.
func NewRouter(cfg Config, deps Dependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", idempotencyKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	handler := &httpHandler{
		service: deps.Service,
		logger:  logger,
		timeout: cfg.RequestTimeout,
		authURL: cfg.TAuthBaseURL,
	}

	api := router.Group("/api")
	api.Use(deps.Validator.GinMiddleware(contextKeyClaims))
	api.Use(handler.callerMiddleware)
	if deps.Cache != nil {
		api.Use(idempotencyMiddleware(deps.Cache, cfg.IdempotencyTTL, logger))
	}

	api.GET("/session", handler.handleSession)

	wallet := api.Group("/wallet")
	wallet.GET("", handler.handleWallet)
	wallet.GET("/transactions", handler.handleHistory)
	wallet.POST("/funds", handler.handleAddFunds)
	wallet.POST("/transfers", handler.handleTransfer)
	wallet.POST("/withdrawals", handler.handleWithdraw)

	admin := api.Group("/admin")
	admin.POST("/wallets/:accountId/adjustments", handler.handleAdjustment)
	admin.POST("/wallets/:accountId/transactions/:transactionId/status", handler.handleStatusUpdate)
	admin.GET("/transactions", handler.handleAllTransactions)
	admin.GET("/partners/:partnerId/transactions", handler.handlePartnerTransactions)

	return router
}
