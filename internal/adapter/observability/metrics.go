package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"provider"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Estimated tokens exchanged with AI providers",
		},
		[]string{"provider", "direction"},
	)

	RateLimitWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_rate_limit_waits_total",
			Help: "Times a call waited for a provider's rate window",
		},
		[]string{"provider"},
	)
	RateLimitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a provider's rate window",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"provider"},
	)
	ProviderBackoffActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_backoff_active",
			Help: "1 while a provider is cooling down after consecutive failures",
		},
		[]string{"provider"},
	)

	ChatRepliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_replies_total",
			Help: "Chat replies by source and language",
		},
		[]string{"source", "language"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "response_cache_lookups_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
	AuditRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Interaction audit writes by sink and outcome",
		},
		[]string{"sink", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(RateLimitWaitsTotal)
	prometheus.MustRegister(RateLimitWaitSeconds)
	prometheus.MustRegister(ProviderBackoffActive)
	prometheus.MustRegister(ChatRepliesTotal)
	prometheus.MustRegister(CacheLookupsTotal)
	prometheus.MustRegister(AuditRecordsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveAIRequest records one provider call. outcome is "success" or an error class.
func ObserveAIRequest(provider, outcome string, d time.Duration) {
	AIRequestsTotal.WithLabelValues(provider, outcome).Inc()
	AIRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// AddAITokens counts prompt ("in") or completion ("out") tokens.
func AddAITokens(provider, direction string, n int) {
	if n > 0 {
		AITokensTotal.WithLabelValues(provider, direction).Add(float64(n))
	}
}

func RecordRateLimitWait(provider string, d time.Duration) {
	RateLimitWaitsTotal.WithLabelValues(provider).Inc()
	RateLimitWaitSeconds.WithLabelValues(provider).Observe(d.Seconds())
}

func SetProviderBackoff(provider string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	ProviderBackoffActive.WithLabelValues(provider).Set(v)
}

func RecordChatReply(source, language string) {
	ChatRepliesTotal.WithLabelValues(source, language).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}

func RecordAudit(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	AuditRecordsTotal.WithLabelValues(sink, outcome).Inc()
}
