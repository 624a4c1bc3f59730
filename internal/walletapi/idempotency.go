package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "Idempotent-Replayed"
	idempotencyPrefix         = "idempotency:v1:"
	inProgressMarker          = "__in_progress__"
	idempotencyRedisTimeout   = 2 * time.Second
	maxIdempotencyKeyLength   = 128
	codeIdempotencyConflict   = "idempotency_conflict"
	codeIdempotencyFailure    = "idempotency_store_failure"
)

type storedResponse struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (writer *capturingWriter) Write(data []byte) (int, error) {
	writer.body.Write(data)
	return writer.ResponseWriter.Write(data)
}

func (writer *capturingWriter) WriteString(data string) (int, error) {
	writer.body.WriteString(data)
	return writer.ResponseWriter.WriteString(data)
}

// idempotencyMiddleware replays the stored response of a request that repeats an
// Idempotency-Key for the same caller. Requests without the header pass through.
func idempotencyMiddleware(cache *redis.Client, ttl time.Duration, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.Method != http.MethodPost {
			ctx.Next()
			return
		}
		key := strings.TrimSpace(ctx.GetHeader(idempotencyKeyHeader))
		if key == "" {
			ctx.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "Idempotency-Key is too long"))
			return
		}
		caller, ok := callerFromContext(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing caller"))
			return
		}
		cacheKey := idempotencyPrefix + caller.AccountID().String() + ":" + ctx.Request.Method + ":" + ctx.FullPath() + ":" + key

		lookupCtx, cancel := context.WithTimeout(ctx.Request.Context(), idempotencyRedisTimeout)
		defer cancel()

		cached, err := cache.Get(lookupCtx, cacheKey).Result()
		if err == nil {
			if cached == inProgressMarker {
				ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeIdempotencyConflict, "duplicate request currently processing"))
				return
			}
			var stored storedResponse
			if err := json.Unmarshal([]byte(cached), &stored); err != nil {
				logger.Warn("failed to decode stored idempotent response", zap.String("key", key), zap.Error(err))
				ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeIdempotencyConflict, "duplicate request"))
				return
			}
			ctx.Header(idempotencyReplayedHeader, "true")
			ctx.Data(stored.Status, stored.ContentType, []byte(stored.Body))
			ctx.Abort()
			return
		}
		if !errors.Is(err, redis.Nil) {
			logger.Error("idempotency lookup failed", zap.String("key", key), zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(codeIdempotencyFailure, "idempotency store failure"))
			return
		}

		reserved, err := cache.SetNX(lookupCtx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			logger.Error("idempotency reservation failed", zap.String("key", key), zap.Error(err))
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(codeIdempotencyFailure, "idempotency reservation failure"))
			return
		}
		if !reserved {
			ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeIdempotencyConflict, "duplicate request currently processing"))
			return
		}

		stored := false
		// A panicking or failing handler must not leave the in-progress marker behind.
		defer func() {
			if stored {
				return
			}
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), idempotencyRedisTimeout)
			defer releaseCancel()
			cache.Del(releaseCtx, cacheKey)
		}()

		writer := &capturingWriter{ResponseWriter: ctx.Writer}
		ctx.Writer = writer
		ctx.Next()

		// Server-side failures release the key so the client may retry.
		if writer.Status() >= http.StatusInternalServerError {
			return
		}
		payload, err := json.Marshal(storedResponse{
			Status:      writer.Status(),
			Body:        writer.body.String(),
			ContentType: writer.Header().Get("Content-Type"),
		})
		if err != nil {
			logger.Error("failed to encode idempotent response", zap.String("key", key), zap.Error(err))
			return
		}
		persistCtx, persistCancel := context.WithTimeout(context.Background(), idempotencyRedisTimeout)
		defer persistCancel()
		if err := cache.Set(persistCtx, cacheKey, payload, ttl).Err(); err != nil {
			logger.Error("failed to persist idempotent response", zap.String("key", key), zap.Error(err))
			return
		}
		stored = true
	}
}
