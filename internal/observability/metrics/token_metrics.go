package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
)

const (
	RefreshOutcomeSuccess      = "success"
	RefreshOutcomeRetry        = "retry"
	RefreshOutcomeFailed       = "failed"
	RefreshOutcomeReauth       = "reauth_required"
	RefreshOutcomeSkipped      = "skipped"
	RefreshOutcomeDeadline     = "deadline_exceeded"
	RefreshOutcomeInvalidGrant = "invalid_grant"
)

const (
	BackendOpGet    = "get"
	BackendOpPut    = "put"
	BackendOpDelete = "delete"
)

const (
	BackendResultHit         = "hit"
	BackendResultMiss        = "miss"
	BackendResultOK          = "ok"
	BackendResultUnavailable = "unavailable"
	BackendResultError       = "error"
)

// TokenMetrics tracks refresh health and storage tier behaviour.
type TokenMetrics struct {
	refreshAttempts  *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	refreshCoalesced prometheus.Counter
	refreshInFlight  prometheus.Gauge
	backendOps       *prometheus.CounterVec
	sweepRuns        *prometheus.CounterVec
	sweepRefreshed   prometheus.Counter
}

var (
	tokenMetricsOnce sync.Once
	tokenMetrics     *TokenMetrics
)

// Tokens returns the singleton token metrics registry.
func Tokens() *TokenMetrics {
	return TokensWithConfig(Config{})
}

// TokensWithConfig returns the singleton token metrics registry using config labels.
func TokensWithConfig(cfg Config) *TokenMetrics {
	tokenMetricsOnce.Do(func() {
		tokenMetrics = NewTokenMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return tokenMetrics
}

// NewTokenMetrics registers a fresh set of collectors on registerer.
func NewTokenMetrics(registerer prometheus.Registerer, cfg Config) *TokenMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "claudeauth"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &TokenMetrics{
		refreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "claudeauth_token_refresh_attempts_total",
			Help:        "Provider refresh attempts by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "claudeauth_token_refresh_duration_seconds",
			Help:        "Wall time of a refresh including retries.",
			Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		refreshCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "claudeauth_token_refresh_coalesced_total",
			Help:        "Callers that waited on another caller's in-flight refresh.",
			ConstLabels: constLabels,
		}),
		refreshInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "claudeauth_token_refresh_in_flight",
			Help:        "Refreshes currently talking to the provider.",
			ConstLabels: constLabels,
		}),
		backendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "claudeauth_token_backend_operations_total",
			Help:        "Storage tier operations by backend, operation and result.",
			ConstLabels: constLabels,
		}, []string{"backend", "op", "result"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "claudeauth_refresh_sweep_runs_total",
			Help:        "Background refresh sweep runs by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		sweepRefreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "claudeauth_refresh_sweep_tokens_total",
			Help:        "Tokens refreshed by the background sweep.",
			ConstLabels: constLabels,
		}),
	}

	m.refreshAttempts = registerCounterVec(registerer, m.refreshAttempts)
	m.backendOps = registerCounterVec(registerer, m.backendOps)
	m.sweepRuns = registerCounterVec(registerer, m.sweepRuns)
	m.refreshDuration = registerCollector(registerer, m.refreshDuration).(prometheus.Histogram)
	m.refreshCoalesced = registerCollector(registerer, m.refreshCoalesced).(prometheus.Counter)
	m.refreshInFlight = registerCollector(registerer, m.refreshInFlight).(prometheus.Gauge)
	m.sweepRefreshed = registerCollector(registerer, m.sweepRefreshed).(prometheus.Counter)
	return m
}

func (m *TokenMetrics) IncRefreshAttempt(outcome string) {
	if m == nil {
		return
	}
	m.refreshAttempts.WithLabelValues(outcome).Inc()
}

func (m *TokenMetrics) ObserveRefreshDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
}

func (m *TokenMetrics) IncRefreshCoalesced() {
	if m == nil {
		return
	}
	m.refreshCoalesced.Inc()
}

func (m *TokenMetrics) RefreshStarted() {
	if m == nil {
		return
	}
	m.refreshInFlight.Inc()
}

func (m *TokenMetrics) RefreshFinished() {
	if m == nil {
		return
	}
	m.refreshInFlight.Dec()
}

func (m *TokenMetrics) IncBackendOp(backend, op, result string) {
	if m == nil {
		return
	}
	m.backendOps.WithLabelValues(backend, op, result).Inc()
}

func (m *TokenMetrics) IncSweepRun(result string) {
	if m == nil {
		return
	}
	m.sweepRuns.WithLabelValues(result).Inc()
}

func (m *TokenMetrics) AddSweepRefreshed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRefreshed.Add(float64(n))
}

// RefreshAttempts exposes the attempts counter for assertions.
func (m *TokenMetrics) RefreshAttempts() *prometheus.CounterVec {
	return m.refreshAttempts
}

func (m *TokenMetrics) BackendOps() *prometheus.CounterVec {
	return m.backendOps
}

// ClassifyBackendResult maps a tier error onto a low-cardinality result label.
func ClassifyBackendResult(err error) string {
	switch {
	case err == nil:
		return BackendResultOK
	case errors.Is(err, domain.ErrTokenNotFound):
		return BackendResultMiss
	case errors.Is(err, domain.ErrBackendUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return BackendResultUnavailable
	default:
		return BackendResultError
	}
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	return registerCollector(registerer, c).(*prometheus.CounterVec)
}

func registerCollector(registerer prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
	}
	return c
}
