// Package observability adapts ledger operation callbacks to zap and Prometheus.
package observability

import (
	"context"
	"net/http"

	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const metricsNamespace = "partnerwallet"

// ZapLogger writes one structured line per ledger operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger. A nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
	}
	if !entry.CounterpartyID.IsZero() {
		fields = append(fields, zap.String("counterparty_id", entry.CounterpartyID.String()))
	}
	if entry.TransactionID.String() != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID.String()))
	}
	if entry.Amount > 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Error != nil {
		fields = append(fields, zap.String("code", ledger.ErrorCode(entry.Error)), zap.Error(entry.Error))
		zapLogger.logger.Warn("wallet operation failed", fields...)
		return
	}
	zapLogger.logger.Info("wallet operation", fields...)
}

// Metrics counts ledger operations on its own registry.
type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	amounts    *prometheus.CounterVec
}

// NewMetrics registers the wallet collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wallet_operations_total",
				Help:      "Total wallet operations by outcome",
			},
			[]string{"operation", "status", "code"},
		),
		amounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "wallet_operation_amount_cents_total",
				Help:      "Cents moved by successful wallet operations",
			},
			[]string{"operation"},
		),
	}
	registry.MustRegister(metrics.operations, metrics.amounts)
	return metrics
}

func (metrics *Metrics) LogOperation(_ context.Context, entry ledger.OperationLog) {
	code := ""
	if entry.Error != nil {
		code = ledger.ErrorCode(entry.Error)
	}
	metrics.operations.WithLabelValues(entry.Operation, entry.Status, code).Inc()
	if entry.Error == nil && entry.Amount > 0 {
		metrics.amounts.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Int64()))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Fanout forwards every entry to each logger in order.
type Fanout []ledger.OperationLogger

func (fanout Fanout) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range fanout {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
