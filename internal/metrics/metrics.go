// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ListingsCreated counts created listings by kind.
	ListingsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_listings_created_total",
		Help: "Total number of listings created",
	}, []string{"kind"})

	// ListingTransitions counts listing status changes by target status.
	ListingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_listing_transitions_total",
		Help: "Listing state machine transitions",
	}, []string{"to"})

	ListingViews = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrolink_listing_views_total",
		Help: "Listing detail views",
	})

	// InterestsFiled counts new interests; admin is "true" for admin requests.
	InterestsFiled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_interests_filed_total",
		Help: "Interests filed against listings",
	}, []string{"admin"})

	// NegotiationResponses counts accept, decline and counter_offer responses.
	NegotiationResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_negotiation_responses_total",
		Help: "Owner/admin responses to interests",
	}, []string{"response"})

	// NegotiationLatency tracks the transaction time of a response.
	NegotiationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrolink_negotiation_latency_seconds",
		Help:    "Negotiation response latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"response"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrolink_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrolink_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to bound cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
