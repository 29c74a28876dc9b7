// Package metrics exposes Prometheus counters for HTTP traffic and the
// mailing-list sync.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/leadsync/internal/zoho"
)

// Subscribe outcomes.
const (
	OutcomeSubscribed = "subscribed"
	OutcomeDuplicate  = "duplicate"
	OutcomeError      = "error"
)

// Recorder owns the collectors. Each Recorder registers on its own registry,
// so tests can build as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	subscribes     *prometheus.CounterVec
	tokenRefreshes prometheus.Counter
	rateLimited    *prometheus.CounterVec
}

// New creates a Recorder with the Go runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leadsync_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "leadsync_http_requests_in_flight",
			Help: "Number of HTTP requests being served",
		}),
		subscribes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadsync_zoho_subscribe_total",
				Help: "Mailing-list subscribe attempts by outcome",
			},
			[]string{"outcome"},
		),
		tokenRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "leadsync_zoho_token_refresh_total",
			Help: "Successful Zoho OAuth refresh-token grants",
		}),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadsync_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// TokenRefreshed counts one refresh grant. Pass it to zoho.WithRefreshHook.
func (r *Recorder) TokenRefreshed() {
	r.tokenRefreshes.Inc()
}

// RateLimited counts one rejection by the named limiter.
func (r *Recorder) RateLimited(limiter string) {
	r.rateLimited.WithLabelValues(limiter).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records count and latency per route. It must run inside the
// chi router so the route pattern is known; unmatched paths are reported as
// "unmatched" to keep label cardinality bounded.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		r.inFlight.Inc()
		defer r.inFlight.Dec()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		r.httpRequests.WithLabelValues(req.Method, route, strconv.Itoa(sw.status)).Inc()
		r.httpDuration.WithLabelValues(req.Method, route).Observe(time.Since(start).Seconds())
	})
}

// InstrumentSubscriber counts the outcome of every subscribe made through s.
func (r *Recorder) InstrumentSubscriber(s zoho.Subscriber) zoho.Subscriber {
	return &instrumentedSubscriber{next: s, subscribes: r.subscribes}
}

type instrumentedSubscriber struct {
	next       zoho.Subscriber
	subscribes *prometheus.CounterVec
}

func (s *instrumentedSubscriber) Subscribe(ctx context.Context, c zoho.Contact) (*zoho.Result, error) {
	res, err := s.next.Subscribe(ctx, c)
	switch {
	case err != nil:
		s.subscribes.WithLabelValues(OutcomeError).Inc()
	case res != nil && res.AlreadyExists:
		s.subscribes.WithLabelValues(OutcomeDuplicate).Inc()
	default:
		s.subscribes.WithLabelValues(OutcomeSubscribed).Inc()
	}
	return res, err
}
