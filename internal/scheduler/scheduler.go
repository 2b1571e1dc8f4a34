package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
	obsmetrics "github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobRefreshSweep = "refresh_sweep"
	JobStateCleanup = "state_cleanup"
	JobTokenCleanup = "token_cleanup"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

// ExpiringLister finds users whose token needs attention soon.
type ExpiringLister interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]string, error)
}

type Refresher interface {
	Refresh(ctx context.Context, userID string) (*domain.Token, error)
}

type StateCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// TokenPurger removes tokens that expired with no refresh token left.
type TokenPurger interface {
	ListUnrefreshable(ctx context.Context, now time.Time, limit int) ([]string, error)
	Delete(ctx context.Context, userID string) error
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Tokens  ExpiringLister
	Engine  Refresher
	States  StateCleaner
	GenID   *snowflake.Node
	Clock   clock.Clock
	Purger  TokenPurger              `optional:"true"`
	Metrics *obsmetrics.TokenMetrics `optional:"true"`
	Config  Config                   `optional:"true"`
}

// Scheduler runs background maintenance: refreshing tokens before they
// expire and dropping abandoned authorization attempts.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	tokens  ExpiringLister
	engine  Refresher
	states  StateCleaner
	purger  TokenPurger
	metrics *obsmetrics.TokenMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Tokens == nil || p.Engine == nil || p.States == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	m := p.Metrics
	if m == nil {
		m = obsmetrics.Tokens()
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		tokens:  p.Tokens,
		engine:  p.Engine,
		states:  p.States,
		purger:  p.Purger,
		metrics: m,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}

	err := fn(ctx)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		s.metrics.IncSweepRun("ok")
		return nil
	}

	// Deadline is a soft timeout. The next tick picks up what is left.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncSweepRun("timeout")
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	s.metrics.IncSweepRun("error")
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{JobRefreshSweep, s.cfg.AutoRefresh && s.isJobEnabled(JobRefreshSweep), func(ctx context.Context) error {
			return s.runJob(ctx, JobRefreshSweep, s.cfg.BatchSize, s.cfg.JobTimeout, s.RefreshSweepJob)
		}},
		{JobStateCleanup, s.isJobEnabled(JobStateCleanup), func(ctx context.Context) error {
			return s.runJob(ctx, JobStateCleanup, 0, s.cfg.JobTimeout, s.StateCleanupJob)
		}},
		{JobTokenCleanup, s.purger != nil && s.isJobEnabled(JobTokenCleanup), func(ctx context.Context) error {
			return s.runJob(ctx, JobTokenCleanup, s.cfg.BatchSize, s.cfg.JobTimeout, s.TokenCleanupJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every job.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefreshSweepJob refreshes every token expiring within the refresh
// window. Per-user failures are logged and do not stop the sweep.
func (s *Scheduler) RefreshSweepJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	before := s.clock.Now().Add(s.cfg.RefreshWindow)

	userIDs, err := s.tokens.ListExpiring(ctx, before, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	refreshed := 0
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.engine.Refresh(ctx, userID); err != nil {
			s.logSchedulerError(ctx, run, "scheduled refresh failed", JobRefreshSweep, userID, err)
			continue
		}
		refreshed++
	}

	run.AddProcessed(refreshed)
	s.metrics.AddSweepRefreshed(refreshed)
	return nil
}

func (s *Scheduler) StateCleanupJob(ctx context.Context) error {
	removed, err := s.states.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	jobRunFromContext(ctx).AddProcessed(removed)
	return nil
}

// TokenCleanupJob deletes expired tokens that can no longer be refreshed.
// Those users have to reconnect either way.
func (s *Scheduler) TokenCleanupJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)

	userIDs, err := s.purger.ListUnrefreshable(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	removed := 0
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.purger.Delete(ctx, userID); err != nil {
			s.logSchedulerError(ctx, run, "expired token cleanup failed", JobTokenCleanup, userID, err)
			continue
		}
		removed++
	}

	run.AddProcessed(removed)
	if removed > 0 {
		s.logger(ctx).Info("expired tokens removed", zap.Int("count", removed))
	}
	return nil
}
