package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/smallbiznis/claudeauth/internal/auth/domain"
	"github.com/smallbiznis/claudeauth/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ClaudeConfig{
		ClientID:     config.DefaultClientID,
		AuthorizeURL: config.DefaultAuthorizeURL,
		TokenURL:     srv.URL + "/v1/oauth/token",
		RedirectURI:  config.DefaultRedirectURI,
		Scopes:       []string{"user:inference"},
	}
	return New(OAuthConfig(cfg), config.DefaultBetaHeader, srv.Client(), nil)
}

func TestExchangeSendsJSONBody(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/oauth/token", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "oauth-2025-04-20", r.Header.Get("anthropic-beta"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":7200,"scope":"user:inference user:profile"}`))
	})

	tok, err := client.Exchange(context.Background(), domain.ExchangeRequest{
		Code:         "the-code",
		CodeVerifier: "the-verifier",
		State:        "the-state",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     config.DefaultClientID,
		"code":          "the-code",
		"redirect_uri":  config.DefaultRedirectURI,
		"code_verifier": "the-verifier",
		"state":         "the-state",
	}, got)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.Equal(t, 2*time.Hour, tok.ExpiresIn)
	assert.Equal(t, []string{"user:inference", "user:profile"}, tok.Scopes)
}

func TestRefreshDefaultsExpiry(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"access_token":"fresh"}`))
	})

	tok, err := client.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": "old-refresh",
		"client_id":     config.DefaultClientID,
	}, got)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Equal(t, time.Hour, tok.ExpiresIn)
}

func TestProviderErrors(t *testing.T) {
	cases := []struct {
		name         string
		status       int
		body         string
		wantCode     string
		invalidGrant bool
		permanent    bool
	}{
		{"oauth invalid grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"expired"}`, "invalid_grant", true, true},
		{"api error shape", http.StatusBadRequest, `{"error":{"type":"invalid_grant","message":"nope"}}`, "invalid_grant", true, true},
		{"server error", http.StatusInternalServerError, `upstream broke`, "", false, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":"rate_limited"}`, "rate_limited", false, false},
		{"unauthorized client", http.StatusUnauthorized, `{"error":"invalid_client"}`, "invalid_client", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := client.Refresh(context.Background(), "rt")
			require.Error(t, err)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.status, perr.Status)
			assert.Equal(t, tc.wantCode, perr.Code)
			assert.Equal(t, tc.invalidGrant, IsInvalidGrant(err))
			assert.Equal(t, tc.permanent, IsPermanent(err))
			assert.NotContains(t, err.Error(), "expired")
		})
	}
}

func TestRejectsEmptyAccessToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"refresh_token":"rt"}`))
	})
	_, err := client.Refresh(context.Background(), "rt")
	require.Error(t, err)
}

func TestValidatesInput(t *testing.T) {
	client := New(OAuthConfig(config.ClaudeConfig{}), "", nil, nil)
	_, err := client.Refresh(context.Background(), " ")
	require.Error(t, err)
	_, err = client.Exchange(context.Background(), domain.ExchangeRequest{Code: "c"})
	require.Error(t, err)
	assert.Equal(t, config.DefaultBetaHeader, client.BetaHeader())
}
