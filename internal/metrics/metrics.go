package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts finished turns by outcome: committed, or the fault
	// kind that ended the turn.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicoach",
			Subsystem: "coach",
			Name:      "turns_total",
			Help:      "Total number of chat turns by outcome",
		},
		[]string{"outcome"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aicoach",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Chat-completion request duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// ConversationFetchRetries counts page-load fetch attempts that found no
	// conversation and had to wait.
	ConversationFetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aicoach",
			Subsystem: "coach",
			Name:      "conversation_fetch_retries_total",
			Help:      "Page-load conversation fetches retried after an empty result",
		},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aicoach",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)
