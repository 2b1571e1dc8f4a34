// Package oauth runs the PKCE authorization code flow against Claude.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/clock"
	"github.com/smallbiznis/claudeauth/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	stateBytes = 32

	// CreatedByOAuthFlow marks tokens obtained through the callback.
	CreatedByOAuthFlow = "oauth_flow"
)

// TokenWriter persists completed tokens.
type TokenWriter interface {
	Put(ctx context.Context, token *domain.Token) error
}

type StartResult struct {
	AuthorizationURL string
	State            string
	ExpiresAt        time.Time
}

type Flow struct {
	provider domain.Provider
	oauth    *oauth2.Config
	states   domain.StateStore
	tokens   TokenWriter
	clock    clock.Clock
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewFlow(
	provider domain.Provider,
	oc *oauth2.Config,
	states domain.StateStore,
	tokens TokenWriter,
	clk clock.Clock,
	log *zap.Logger,
	m *metrics.Metrics,
) *Flow {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{
		provider: provider,
		oauth:    oc,
		states:   states,
		tokens:   tokens,
		clock:    clk,
		log:      log.Named("auth.oauth"),
		metrics:  m,
	}
}

// Start opens an authorization attempt for userID and returns the URL the
// user has to visit.
func (f *Flow) Start(ctx context.Context, userID string) (*StartResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	now := f.clock.Now()

	f.transition(userID, domain.FlowInit)
	err = f.states.Save(ctx, &domain.AuthState{
		State:        state,
		CodeVerifier: verifier,
		RedirectURI:  f.oauth.RedirectURL,
		UserID:       userID,
		CreatedAt:    now,
	}, domain.StateTTL)
	if err != nil {
		f.metrics.RecordFlow(ctx, "failed")
		return nil, fmt.Errorf("save oauth state: %w", err)
	}

	authURL := f.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code", "true"),
		oauth2.S256ChallengeOption(verifier),
	)

	f.transition(userID, domain.FlowAwaitingCallback)
	f.metrics.RecordFlow(ctx, "started")
	return &StartResult{
		AuthorizationURL: authURL,
		State:            state,
		ExpiresAt:        now.Add(domain.StateTTL),
	}, nil
}

// Complete redeems code for the attempt identified by state. The state is
// consumed whatever the outcome.
func (f *Flow) Complete(ctx context.Context, code, state string) (*domain.Token, error) {
	state = strings.TrimSpace(state)
	code = CleanCode(code)
	if state == "" {
		f.metrics.RecordFlow(ctx, "invalid_state")
		return nil, domain.ErrInvalidState
	}

	pending, err := f.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidState) {
			f.metrics.RecordFlow(ctx, "invalid_state")
			return nil, domain.ErrInvalidState
		}
		f.metrics.RecordFlow(ctx, "failed")
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(pending.State), []byte(state)) != 1 || pending.Expired(f.clock.Now()) {
		f.transition(pending.UserID, domain.FlowFailed)
		f.metrics.RecordFlow(ctx, "invalid_state")
		return nil, domain.ErrInvalidState
	}
	if code == "" {
		f.transition(pending.UserID, domain.FlowFailed)
		f.metrics.RecordFlow(ctx, "failed")
		return nil, fmt.Errorf("%w: missing authorization code", domain.ErrTokenExchange)
	}

	f.transition(pending.UserID, domain.FlowExchanging)
	issued, err := f.provider.Exchange(ctx, domain.ExchangeRequest{
		Code:         code,
		CodeVerifier: pending.CodeVerifier,
		State:        state,
		RedirectURI:  pending.RedirectURI,
	})
	if err != nil {
		f.transition(pending.UserID, domain.FlowFailed)
		f.metrics.RecordFlow(ctx, "failed")
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenExchange, err)
	}

	now := f.clock.Now()
	scopes := issued.Scopes
	if len(scopes) == 0 {
		scopes = f.oauth.Scopes
	}
	token := &domain.Token{
		UserID:       pending.UserID,
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		ExpiresAt:    now.Add(issued.ExpiresIn),
		Scopes:       append([]string(nil), scopes...),
		CreatedBy:    CreatedByOAuthFlow,
		UpdatedBy:    CreatedByOAuthFlow,
	}
	if err := f.tokens.Put(ctx, token); err != nil {
		f.transition(pending.UserID, domain.FlowFailed)
		f.metrics.RecordFlow(ctx, "failed")
		return nil, fmt.Errorf("persist token: %w", err)
	}

	f.transition(pending.UserID, domain.FlowComplete)
	f.metrics.RecordFlow(ctx, "complete")
	f.log.Info("claude authorization completed",
		zap.String("user_id", pending.UserID),
		zap.Time("expires_at", token.ExpiresAt),
		zap.Bool("has_refresh_token", token.HasRefreshToken()),
	)
	return token.Clone(), nil
}

// CleanupExpired drops abandoned attempts.
func (f *Flow) CleanupExpired(ctx context.Context) (int, error) {
	return f.states.CleanupExpired(ctx, f.clock.Now())
}

// CleanCode strips fragments and extra parameters that some browsers keep
// when the code is pasted from the callback page.
func CleanCode(code string) string {
	code = strings.TrimSpace(code)
	if i := strings.IndexAny(code, "#&"); i >= 0 {
		code = code[:i]
	}
	return code
}

func (f *Flow) transition(userID string, to domain.FlowState) {
	f.log.Debug("oauth flow transition", zap.String("user_id", userID), zap.String("flow_state", string(to)))
}

func randomState() (string, error) {
	buf := make([]byte, stateBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
