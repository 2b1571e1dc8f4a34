// Package metricspush periodically pushes token fleet gauges to a remote
// metrics backend for deployments nobody scrapes.
package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"go.uber.org/zap"
)

const (
	metricTokens          = "claude_oauth_tokens"
	metricRefreshing      = "claude_oauth_refreshing"
	metricStoredRefreshes = "claude_oauth_stored_refresh_count"
	metricAutoRefresh     = "claude_oauth_auto_refresh_enabled"
)

// Snapshot is one reading of the fleet gauges.
type Snapshot struct {
	Service  string
	Stats    domain.Stats
	Registry *prometheus.Registry
	At       time.Time
}

// StatsSource reports aggregate token health.
type StatsSource interface {
	Stats(ctx context.Context) (*domain.Stats, error)
}

type fleetGauges struct {
	tokens         *prometheus.GaugeVec
	refreshing     prometheus.Gauge
	totalRefreshes prometheus.Gauge
	autoRefresh    prometheus.Gauge
}

func newFleetGauges(registry *prometheus.Registry, service string) *fleetGauges {
	constLabels := prometheus.Labels{"service": service}
	g := &fleetGauges{
		tokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        metricTokens,
			Help:        "Stored Claude OAuth tokens by expiry state.",
			ConstLabels: constLabels,
		}, []string{"state"}),
		refreshing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricRefreshing,
			Help:        "Refreshes in flight when the snapshot was taken.",
			ConstLabels: constLabels,
		}),
		totalRefreshes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricStoredRefreshes,
			Help:        "Sum of refresh_count across stored tokens.",
			ConstLabels: constLabels,
		}),
		autoRefresh: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        metricAutoRefresh,
			Help:        "1 when automatic refresh is on.",
			ConstLabels: constLabels,
		}),
	}
	registry.MustRegister(g.tokens, g.refreshing, g.totalRefreshes, g.autoRefresh)
	return g
}

func (g *fleetGauges) observe(stats *domain.Stats) {
	g.tokens.WithLabelValues("active").Set(float64(stats.ActiveTokens))
	g.tokens.WithLabelValues("expiring_soon").Set(float64(stats.ExpiringSoon))
	g.tokens.WithLabelValues("expired").Set(float64(stats.Expired))
	g.refreshing.Set(float64(stats.Refreshing))
	g.totalRefreshes.Set(float64(stats.TotalRefreshes))
	g.autoRefresh.Set(boolValue(stats.AutoRefreshEnabled))
}

// Reporter snapshots token stats into a private registry and pushes it.
type Reporter struct {
	service  string
	stats    StatsSource
	pusher   Pusher
	registry *prometheus.Registry
	gauges   *fleetGauges
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewReporter(stats StatsSource, pusher Pusher, service string, interval time.Duration, log *zap.Logger) *Reporter {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if service == "" {
		service = "claudeauth"
	}
	registry := prometheus.NewRegistry()
	return &Reporter{
		service:  service,
		stats:    stats,
		pusher:   pusher,
		registry: registry,
		gauges:   newFleetGauges(registry, service),
		interval: interval,
		now:      time.Now,
		log:      log.Named("metricspush"),
	}
}

func (r *Reporter) Registry() *prometheus.Registry {
	return r.registry
}

// PushOnce refreshes the gauges from current stats and pushes them.
func (r *Reporter) PushOnce(ctx context.Context) error {
	stats, err := r.stats.Stats(ctx)
	if err != nil {
		return err
	}
	r.gauges.observe(stats)
	return r.pusher.Push(ctx, Snapshot{
		Service:  r.service,
		Stats:    *stats,
		Registry: r.registry,
		At:       r.now(),
	})
}

func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.PushOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("token stats push failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
