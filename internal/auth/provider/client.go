// Package provider is the client for Anthropic's OAuth token endpoint.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/config"
	obstracing "github.com/smallbiznis/claudeauth/internal/observability/tracing"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	BetaHeaderName = "anthropic-beta"

	defaultExpiresIn = 3600 * time.Second
	maxResponseBytes = 1 << 20
	requestTimeout   = 30 * time.Second
)

// Client implements domain.Provider against the Claude token endpoint,
// which takes JSON bodies rather than form posts.
type Client struct {
	oauth      *oauth2.Config
	beta       string
	httpClient *http.Client
	log        *zap.Logger
}

// OAuthConfig builds the x/oauth2 view of the Claude client.
func OAuthConfig(cfg config.ClaudeConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: cfg.RedirectURI,
		Scopes:      append([]string(nil), cfg.Scopes...),
	}
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	return New(OAuthConfig(cfg.Claude), cfg.Claude.BetaHeader, nil, log)
}

// New returns a client using httpClient, or a traced default client with a
// request timeout when nil.
func New(oc *oauth2.Config, beta string, httpClient *http.Client, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = obstracing.WrapHTTPClient(&http.Client{Timeout: requestTimeout})
	}
	if log == nil {
		log = zap.NewNop()
	}
	if beta == "" {
		beta = config.DefaultBetaHeader
	}
	return &Client{
		oauth:      oc,
		beta:       beta,
		httpClient: httpClient,
		log:        log.Named("auth.provider"),
	}
}

func (c *Client) OAuthConfig() *oauth2.Config {
	return c.oauth
}

func (c *Client) BetaHeader() string {
	return c.beta
}

type exchangeRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	State        string `json:"state"`
}

type refreshRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

func (c *Client) Exchange(ctx context.Context, req domain.ExchangeRequest) (*domain.ProviderToken, error) {
	if strings.TrimSpace(req.Code) == "" || strings.TrimSpace(req.CodeVerifier) == "" {
		return nil, errors.New("authorization code and verifier are required")
	}
	redirect := req.RedirectURI
	if redirect == "" {
		redirect = c.oauth.RedirectURL
	}

	return c.post(ctx, "authorization_code", exchangeRequest{
		GrantType:    "authorization_code",
		ClientID:     c.oauth.ClientID,
		Code:         req.Code,
		RedirectURI:  redirect,
		CodeVerifier: req.CodeVerifier,
		State:        req.State,
	})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.ProviderToken, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, errors.New("refresh token is required")
	}
	return c.post(ctx, "refresh_token", refreshRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     c.oauth.ClientID,
	})
}

func (c *Client) post(ctx context.Context, grant string, payload any) (*domain.ProviderToken, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(BetaHeaderName, c.beta)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("token endpoint unreachable", zap.String("grant_type", grant), zap.Error(err))
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		perr := &Error{Status: resp.StatusCode, Code: parseErrorCode(raw)}
		c.log.Warn("token endpoint rejected request",
			zap.String("grant_type", grant),
			zap.Int("status_code", perr.Status),
			zap.String("error_code", perr.Code),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, perr
	}

	var out tokenResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return nil, errors.New("token response has no access_token")
	}

	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if out.ExpiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	c.log.Debug("token endpoint succeeded",
		zap.String("grant_type", grant),
		zap.Int("status_code", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("rotated_refresh_token", out.RefreshToken != ""),
	)
	return &domain.ProviderToken{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresIn:    expiresIn,
		Scopes:       strings.Fields(out.Scope),
	}, nil
}
