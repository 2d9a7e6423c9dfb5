package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	QueuedOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_queued_orders",
		Help: "The current number of orders held in the order book",
	})

	OrdersPruned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_orders_pruned_total",
		Help: "The total number of orders removed from the book",
	}, []string{"reason"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_settlements_total",
		Help: "The total number of settlement attempts",
	}, []string{"pair", "status"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_settlement_seconds",
		Help:    "Time taken to submit and confirm a settlement",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"pair"})

	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_execution_errors_total",
		Help: "The total number of settlement execution errors by reason",
	}, []string{"reason"})

	ProfitabilityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_profitability_rejections_total",
		Help: "The total number of pricing checks that deferred an order",
	}, []string{"pricing"})

	OraclePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_oracle_price",
		Help: "Last cached oracle price per asset",
	}, []string{"asset"})

	CustodyBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_custody_balance",
		Help: "Relayer custody balance per asset",
	}, []string{"asset"})

	MatchTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relayer_match_tick_seconds",
		Help:    "Time taken by one matching loop tick",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	RelayTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_relay_transitions_total",
		Help: "The total number of cross-chain relay state transitions",
	}, []string{"state"})

	RelayRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_relay_retries_total",
		Help: "The total number of retried relay steps",
	}, []string{"error_type"})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_relay_max_retries_total",
		Help: "The total number of relay jobs abandoned after max retries",
	}, []string{"error_type"})

	DestinationCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_destination_cursor",
		Help: "High-water sequence number of processed destination events",
	})

	SourceCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_source_cursor",
		Help: "Last origin-chain block scanned for deposit events",
	})

	CircuitBreakerOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_circuit_breaker_open",
		Help: "Whether the settlement circuit breaker is open (1) or closed (0)",
	}, []string{"venue"})
)
