package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
)

func TestClassifyBackendResult(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "ok", err: nil, want: BackendResultOK},
		{name: "miss", err: fmt.Errorf("db: %w", domain.ErrTokenNotFound), want: BackendResultMiss},
		{name: "unavailable", err: domain.ErrBackendUnavailable, want: BackendResultUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: BackendResultUnavailable},
		{name: "decrypt", err: domain.ErrDecryption, want: BackendResultError},
		{name: "unknown", err: errors.New("boom"), want: BackendResultError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyBackendResult(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestTokenMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTokenMetrics(reg, Config{ServiceName: "test", Environment: "test"})

	m.IncRefreshAttempt(RefreshOutcomeSuccess)
	m.IncRefreshAttempt(RefreshOutcomeSuccess)
	m.IncRefreshAttempt(RefreshOutcomeRetry)
	m.IncBackendOp("database", BackendOpGet, BackendResultHit)
	m.IncRefreshCoalesced()

	if got := testutil.ToFloat64(m.refreshAttempts.WithLabelValues(RefreshOutcomeSuccess)); got != 2 {
		t.Fatalf("expected 2 successful refreshes, got %v", got)
	}
	if got := testutil.ToFloat64(m.refreshAttempts.WithLabelValues(RefreshOutcomeRetry)); got != 1 {
		t.Fatalf("expected 1 retry, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendOps.WithLabelValues("database", BackendOpGet, BackendResultHit)); got != 1 {
		t.Fatalf("expected 1 database hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.refreshCoalesced); got != 1 {
		t.Fatalf("expected 1 coalesced refresh, got %v", got)
	}
}

func TestNewTokenMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewTokenMetrics(reg, Config{})
	b := NewTokenMetrics(reg, Config{})

	a.IncSweepRun("ok")
	if got := testutil.ToFloat64(b.sweepRuns.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestNilTokenMetricsIsSafe(t *testing.T) {
	var m *TokenMetrics
	m.IncRefreshAttempt(RefreshOutcomeFailed)
	m.RefreshStarted()
	m.RefreshFinished()
	m.AddSweepRefreshed(3)
}
