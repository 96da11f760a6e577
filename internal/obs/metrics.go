package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Ledger metrics
var (
	postingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_postings_total",
			Help: "Journal posting attempts by outcome (posted, replayed, deferred, rejected).",
		},
		[]string{"outcome"},
	)

	floatAdjustmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "float_adjustments_total",
			Help: "Float balance adjustments by outcome.",
		},
		[]string{"outcome"},
	)

	outboxTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_tasks_total",
			Help: "Deferred side-effect deliveries by kind and result.",
		},
		[]string{"kind", "result"},
	)

	trialBalanceDifference = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trial_balance_difference_minor",
		Help: "Absolute difference between debit and credit columns of the last trial balance, in minor units.",
	})

	integrityViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "integrity_violations_total",
		Help: "Trial balance checks that found the ledger out of balance.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			postingsTotal, floatAdjustmentsTotal, outboxTasksTotal,
			trialBalanceDifference, integrityViolationsTotal,
		)
	})
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePosting counts a journal posting outcome.
func ObservePosting(outcome string) { postingsTotal.WithLabelValues(outcome).Inc() }

// ObserveFloatAdjustment counts a float adjustment outcome.
func ObserveFloatAdjustment(outcome string) { floatAdjustmentsTotal.WithLabelValues(outcome).Inc() }

// ObserveOutbox counts a deferred task delivery.
func ObserveOutbox(kind, result string) { outboxTasksTotal.WithLabelValues(kind, result).Inc() }

// ObserveTrialBalance records the last trial balance difference.
func ObserveTrialBalance(diff int64, violated bool) {
	if diff < 0 {
		diff = -diff
	}
	trialBalanceDifference.Set(float64(diff))
	if violated {
		integrityViolationsTotal.Inc()
	}
}

// Instrument wraps a handler with RPS/latency/in-flight metrics.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses identifiers in known routes so metric labels stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "float-accounts", "journal":
		offset := 2
		if parts[1] == "journal" {
			if parts[2] != "transactions" {
				return p
			}
			offset = 3
		}
		if len(parts) <= offset {
			return p
		}
		rest := parts[offset+1:]
		prefix := "/" + strings.Join(parts[:offset], "/") + "/:id"
		switch len(rest) {
		case 0:
			return prefix
		case 1:
			return prefix + "/" + rest[0]
		}
	case "service-transactions":
		if len(parts) == 5 && parts[4] == "reversal" {
			return "/v1/service-transactions/:module/:id/reversal"
		}
	}
	return p
}

// statusWriter remembers the response code.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
