package metricspush

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/claudeauth/internal/config"
	obstracing "github.com/smallbiznis/claudeauth/internal/observability/tracing"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	ExporterRemoteWrite = "prometheus_remote_write"
	ExporterPushgateway = "prometheus_pushgateway"
	defaultPushTimeout  = 5 * time.Second
)

// Pusher ships one fleet snapshot to an external metrics backend.
type Pusher interface {
	Push(ctx context.Context, snap Snapshot) error
}

// NewPusher returns nil when pushing is off or misconfigured. A bad
// endpoint only costs the pushed gauges, so it is logged, not fatal.
func NewPusher(cfg config.Config, log *zap.Logger) Pusher {
	if log == nil {
		log = zap.NewNop()
	}
	mp := cfg.MetricsPush
	if mp.Exporter == "" {
		return nil
	}
	if _, err := url.ParseRequestURI(mp.Endpoint); err != nil {
		log.Named("metricspush").Warn("token stats push disabled",
			zap.String("exporter", mp.Exporter),
			zap.Error(fmt.Errorf("METRICS_PUSH_ENDPOINT: %w", err)),
		)
		return nil
	}

	switch mp.Exporter {
	case ExporterRemoteWrite:
		return NewRemoteWritePusher(mp.Endpoint, mp.AuthToken)
	case ExporterPushgateway:
		return &PushgatewayPusher{endpoint: mp.Endpoint, environment: strings.TrimSpace(cfg.Environment)}
	default:
		log.Named("metricspush").Warn("token stats push disabled, unknown exporter", zap.String("exporter", mp.Exporter))
		return nil
	}
}

// RemoteWritePusher posts the snapshot as a snappy-framed remote_write
// request, one sample per fleet series.
type RemoteWritePusher struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(authToken),
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: defaultPushTimeout}),
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, snap Snapshot) error {
	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: fleetSeries(snap)}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write returned %s", resp.Status)
	}
	return nil
}

// fleetSeries lays the stats out under the same names and labels the
// reporter's gauges use, so scraped and pushed data line up.
func fleetSeries(snap Snapshot) []prompb.TimeSeries {
	ts := snap.At.UnixMilli()
	series := func(name, state string, v float64) prompb.TimeSeries {
		labels := []prompb.Label{{Name: "__name__", Value: name}, {Name: "service", Value: snap.Service}}
		if state != "" {
			labels = append(labels, prompb.Label{Name: "state", Value: state})
		}
		return prompb.TimeSeries{Labels: labels, Samples: []prompb.Sample{{Value: v, Timestamp: ts}}}
	}

	s := snap.Stats
	return []prompb.TimeSeries{
		series(metricTokens, "active", float64(s.ActiveTokens)),
		series(metricTokens, "expiring_soon", float64(s.ExpiringSoon)),
		series(metricTokens, "expired", float64(s.Expired)),
		series(metricRefreshing, "", float64(s.Refreshing)),
		series(metricStoredRefreshes, "", float64(s.TotalRefreshes)),
		series(metricAutoRefresh, "", boolValue(s.AutoRefreshEnabled)),
	}
}

// PushgatewayPusher replaces the service's group on a Pushgateway with the
// reporter's registry.
type PushgatewayPusher struct {
	endpoint    string
	environment string
}

func (p *PushgatewayPusher) Push(ctx context.Context, snap Snapshot) error {
	pusher := push.New(p.endpoint, snap.Service).Gatherer(snap.Registry)
	if p.environment != "" {
		pusher = pusher.Grouping("environment", p.environment)
	}
	return pusher.PushContext(ctx)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
