package services

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"kamal-napper/internal/models"
)

var (
	httpRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "napper_http_requests_total",
			Help: "Total control API requests",
		},
		[]string{"route"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "napper_http_request_duration_seconds",
			Help:    "Duration of control API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	httpErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "napper_http_errors_total",
			Help: "Control API requests answered with status >= 400",
		},
		[]string{"route"},
	)

	tickCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "napper_supervisor_ticks_total",
			Help: "Completed supervisor control-loop ticks",
		},
	)

	transitionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "napper_state_transitions_total",
			Help: "State machine transitions by target state",
		},
		[]string{"to", "forced"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestCount)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpErrorCount)
	prometheus.MustRegister(tickCount)
	prometheus.MustRegister(transitionCount)
}

// IncrementRequestCount counts one control API request.
func IncrementRequestCount(route string) {
	httpRequestCount.WithLabelValues(route).Inc()
}

// RecordRequestDuration records the handling time of one request.
func RecordRequestDuration(route string, seconds float64) {
	httpRequestDuration.WithLabelValues(route).Observe(seconds)
}

// IncrementErrorCount counts one failed control API request.
func IncrementErrorCount(route string) {
	httpErrorCount.WithLabelValues(route).Inc()
}

func recordTick() {
	tickCount.Inc()
}

func recordTransition(to models.AppStateName, forced bool) {
	transitionCount.WithLabelValues(string(to), strconv.FormatBool(forced)).Inc()
}
