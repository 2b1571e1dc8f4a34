package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"go.uber.org/zap"
)

// Role decides how the Hierarchy treats a tier on reads and writes.
type Role int

const (
	// RolePrimary is the durable store of record. Hits are mirrored into
	// cache tiers.
	RolePrimary Role = iota
	// RoleCache receives every write and is never authoritative.
	RoleCache
	// RoleFallback is durable and written only while no primary accepts.
	RoleFallback
	// RoleReadOnly is never written. Deletes still reach it so a revoke
	// can suppress what it serves.
	RoleReadOnly
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleCache:
		return "cache"
	case RoleFallback:
		return "fallback"
	case RoleReadOnly:
		return "readonly"
	default:
		return "unknown"
	}
}

type Tier struct {
	Backend domain.TokenBackend
	Role    Role
}

// Hierarchy reads tiers in order and fans writes out by role. Tier
// failures never reach the caller on reads.
type Hierarchy struct {
	tiers   []Tier
	repo    domain.TokenRepository
	log     *zap.Logger
	metrics *metrics.TokenMetrics
}

func NewHierarchy(log *zap.Logger, m *metrics.TokenMetrics, tiers ...Tier) *Hierarchy {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hierarchy{
		log:     log.Named("auth.store"),
		metrics: m,
	}
	for _, t := range tiers {
		if t.Backend == nil {
			continue
		}
		h.tiers = append(h.tiers, t)
		if repo, ok := t.Backend.(domain.TokenRepository); ok && t.Role == RolePrimary && h.repo == nil {
			h.repo = repo
		}
	}
	return h
}

// Tiers returns backend names in lookup order.
func (h *Hierarchy) Tiers() []string {
	names := make([]string, 0, len(h.tiers))
	for _, t := range h.tiers {
		names = append(names, t.Backend.Name())
	}
	return names
}

// Get returns the first tier hit, or domain.ErrTokenNotFound when every
// tier misses or fails.
func (h *Hierarchy) Get(ctx context.Context, userID string) (*domain.Token, error) {
	for _, t := range h.tiers {
		name := t.Backend.Name()
		token, err := t.Backend.Get(ctx, userID)
		if err != nil {
			h.record(name, metrics.BackendOpGet, err)
			if !errors.Is(err, domain.ErrTokenNotFound) {
				h.log.Warn("token tier read failed",
					zap.String("backend", name),
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}
			continue
		}
		h.metrics.IncBackendOp(name, metrics.BackendOpGet, metrics.BackendResultHit)

		if t.Role == RolePrimary {
			h.mirror(ctx, token)
		}
		h.log.Debug("token served", zap.String("backend", name), zap.String("user_id", userID))
		return token.Clone(), nil
	}
	return nil, domain.ErrTokenNotFound
}

// Put writes the primary and mirrors into caches. The fallback is written
// only when the primary is missing or unavailable. It fails only when no
// durable tier accepted the token.
func (h *Hierarchy) Put(ctx context.Context, token *domain.Token) error {
	if err := token.Validate(); err != nil {
		return err
	}

	var (
		durable     bool
		hasPrimary  bool
		primaryDown bool
		errs        []error
	)
	for _, t := range h.tiers {
		if t.Role != RolePrimary {
			continue
		}
		hasPrimary = true
		err := t.Backend.Put(ctx, token)
		h.record(t.Backend.Name(), metrics.BackendOpPut, err)
		if err == nil {
			durable = true
			continue
		}
		if errors.Is(err, domain.ErrBackendUnavailable) {
			primaryDown = true
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.Backend.Name(), err))
	}

	writeFallback := !hasPrimary || (primaryDown && !durable)
	for _, t := range h.tiers {
		switch t.Role {
		case RoleCache:
			if err := t.Backend.Put(ctx, token); err != nil {
				h.record(t.Backend.Name(), metrics.BackendOpPut, err)
				h.log.Warn("token cache write failed",
					zap.String("backend", t.Backend.Name()),
					zap.String("user_id", token.UserID),
					zap.Error(err),
				)
				continue
			}
			h.record(t.Backend.Name(), metrics.BackendOpPut, nil)
		case RoleFallback:
			if !writeFallback {
				continue
			}
			err := t.Backend.Put(ctx, token)
			h.record(t.Backend.Name(), metrics.BackendOpPut, err)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Backend.Name(), err))
				continue
			}
			durable = true
			if hasPrimary {
				h.log.Warn("primary token store unavailable, wrote fallback",
					zap.String("backend", t.Backend.Name()),
					zap.String("user_id", token.UserID),
				)
			}
		}
	}

	if durable {
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("%w: no durable token store configured", domain.ErrBackendUnavailable)
	}
	return errors.Join(errs...)
}

// Delete removes the token from every tier. Misses are not errors.
func (h *Hierarchy) Delete(ctx context.Context, userID string) error {
	var errs []error
	for _, t := range h.tiers {
		err := t.Backend.Delete(ctx, userID)
		if errors.Is(err, domain.ErrTokenNotFound) || errors.Is(err, domain.ErrReadOnlyBackend) {
			err = nil
		}
		h.record(t.Backend.Name(), metrics.BackendOpDelete, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Touch records last use on the primary. Tiers without usage tracking are
// skipped.
func (h *Hierarchy) Touch(ctx context.Context, userID string, at time.Time) error {
	if h.repo == nil {
		return nil
	}
	err := h.repo.Touch(ctx, userID, at)
	if errors.Is(err, domain.ErrTokenNotFound) {
		return nil
	}
	return err
}

// ListExpiring lists users on the primary whose token expires before the
// given instant. Without a primary there is nothing to sweep.
func (h *Hierarchy) ListExpiring(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if h.repo == nil {
		return nil, nil
	}
	return h.repo.ListExpiring(ctx, before, limit)
}

// ListUnrefreshable lists users on the primary holding an expired token that
// cannot be refreshed.
func (h *Hierarchy) ListUnrefreshable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if h.repo == nil {
		return nil, nil
	}
	return h.repo.ListUnrefreshable(ctx, now, limit)
}

func (h *Hierarchy) Stats(ctx context.Context, now time.Time, threshold time.Duration) (domain.RepositoryStats, error) {
	if h.repo == nil {
		return domain.RepositoryStats{}, nil
	}
	return h.repo.Stats(ctx, now, threshold)
}

func (h *Hierarchy) mirror(ctx context.Context, token *domain.Token) {
	for _, t := range h.tiers {
		if t.Role != RoleCache {
			continue
		}
		err := t.Backend.Put(ctx, token)
		h.record(t.Backend.Name(), metrics.BackendOpPut, err)
		if err != nil {
			h.log.Debug("token cache mirror failed",
				zap.String("backend", t.Backend.Name()),
				zap.String("user_id", token.UserID),
				zap.Error(err),
			)
		}
	}
}

func (h *Hierarchy) record(backend, op string, err error) {
	h.metrics.IncBackendOp(backend, op, metrics.ClassifyBackendResult(err))
}
