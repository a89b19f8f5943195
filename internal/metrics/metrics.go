package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_cache_lookups_total",
			Help: "Market data cache lookups by outcome",
		},
		[]string{"symbol", "timeframe", "outcome"},
	)
	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_cache_evictions_total",
			Help: "Cache evictions by cause (ttl, volatility)",
		},
		[]string{"symbol", "cause"},
	)
	lastPrice = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_last_price",
			Help: "Last observed price per symbol",
		},
		[]string{"symbol"},
	)
	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_cycle_duration_seconds",
			Help:    "Duration of full decision cycles",
			Buckets: prometheus.DefBuckets,
		},
	)
	ordersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_orders_submitted_total",
			Help: "Orders submitted to the exchange",
		},
		[]string{"symbol", "side", "reduce_only"},
	)
	approvalOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_approval_outcomes_total",
			Help: "Approval gate resolutions by status",
		},
		[]string{"status"},
	)
	safetyEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_safety_events_total",
			Help: "Safety controller events (panic, dead_man, drawdown_halt)",
		},
		[]string{"event"},
	)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Errors by taxonomy kind",
		},
		[]string{"kind"},
	)
)

func CacheHit(symbol, timeframe string)  { cacheLookups.WithLabelValues(symbol, timeframe, "hit").Inc() }
func CacheMiss(symbol, timeframe string) { cacheLookups.WithLabelValues(symbol, timeframe, "miss").Inc() }

func CacheEvicted(symbol, cause string) { cacheEvictions.WithLabelValues(symbol, cause).Inc() }

func LastPrice(symbol string, price float64) { lastPrice.WithLabelValues(symbol).Set(price) }

func CycleDuration(seconds float64) { cycleDuration.Observe(seconds) }

func OrderSubmitted(symbol, side string, reduceOnly bool) {
	ro := "false"
	if reduceOnly {
		ro = "true"
	}
	ordersSubmitted.WithLabelValues(symbol, side, ro).Inc()
}

func ApprovalOutcome(status string) { approvalOutcomes.WithLabelValues(status).Inc() }

func SafetyEvent(event string) { safetyEvents.WithLabelValues(event).Inc() }

func Error(kind string) { errorsTotal.WithLabelValues(kind).Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
