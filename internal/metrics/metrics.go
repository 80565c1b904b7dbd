package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync core
type Metrics struct {
	// Gateway metrics
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AuthRetries     *prometheus.CounterVec

	// Refresh coordinator metrics
	Refreshes      *prometheus.CounterVec
	RefreshWaiters prometheus.Counter

	// Cache metrics
	CacheHits          *prometheus.CounterVec
	CacheMisses        *prometheus.CounterVec
	CacheFetches       *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheEvictions     prometheus.Counter
	CacheEntries       prometheus.Gauge

	// Mutation metrics
	Mutations *prometheus.CounterVec

	// Channel metrics
	ChannelState          *prometheus.GaugeVec
	ChannelConnects       *prometheus.CounterVec
	NotificationsReceived prometheus.Counter
	UnreadNotifications   prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_requests_total",
				Help: "Total number of gateway requests by outcome kind",
			},
			[]string{"method", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_request_duration_seconds",
				Help:    "Gateway request duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
			},
			[]string{"method"},
		),
		AuthRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_auth_retries_total",
				Help: "Requests re-issued after an authentication failure",
			},
			[]string{"result"},
		),

		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_token_refreshes_total",
				Help: "Token refresh calls issued to the data source",
			},
			[]string{"result"},
		),
		RefreshWaiters: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_token_refresh_waiters_total",
				Help: "Callers that joined an in-flight refresh instead of starting one",
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_hits_total",
				Help: "Cache reads served from a fresh entry",
			},
			[]string{"group"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_misses_total",
				Help: "Cache reads that found a stale or absent entry",
			},
			[]string{"group"},
		),
		CacheFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_fetches_total",
				Help: "Fetches issued by the cache",
			},
			[]string{"group", "result"},
		),
		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_cache_invalidations_total",
				Help: "Cache entries marked stale by invalidation",
			},
			[]string{"group"},
		),
		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_cache_evictions_total",
				Help: "Cache entries removed by garbage collection",
			},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_cache_entries",
				Help: "Current number of cache entries",
			},
		),

		Mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_mutations_total",
				Help: "Mutations dispatched by name and result",
			},
			[]string{"mutation", "result"},
		),

		ChannelState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "portal_channel_state",
				Help: "1 for the current notification channel state",
			},
			[]string{"state"},
		),
		ChannelConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_channel_connects_total",
				Help: "Notification channel connection attempts",
			},
			[]string{"result"},
		),
		NotificationsReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_notifications_received_total",
				Help: "Notifications delivered by the channel or polling",
			},
		),
		UnreadNotifications: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portal_notifications_unread",
				Help: "Current unread notification count",
			},
		),
	}
}

// Result returns the conventional result label for err
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
