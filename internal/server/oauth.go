package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	obslogger "github.com/smallbiznis/claudeauth/internal/observability/logger"
	"go.uber.org/zap"
)

type callbackRequest struct {
	Code             string `form:"code" json:"code"`
	State            string `form:"state" json:"state"`
	Error            string `form:"error" json:"error"`
	ErrorDescription string `form:"error_description" json:"error_description"`
}

// ErrAuthorizationDenied is returned when the provider redirects back with
// an error instead of a code.
var ErrAuthorizationDenied = errors.New("authorization_denied")

type providerDeniedError struct {
	code        string
	description string
}

func (e *providerDeniedError) Error() string {
	return "authorization denied: " + e.code
}

func (e *providerDeniedError) Unwrap() error {
	return ErrAuthorizationDenied
}

func (s *Server) StartOAuth(c *gin.Context) {
	userID := userIDFromContext(c)

	result, err := s.flow.Start(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization_url": result.AuthorizationURL,
		"state":             result.State,
		"expires_in":        secondsUntil(s.clock.Now(), result.ExpiresAt),
	})
}

func (s *Server) OAuthCallback(c *gin.Context) {
	req, err := bindCallback(c)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if req.Error != "" {
		obslogger.FromContext(c.Request.Context()).Warn("claude authorization denied",
			zap.String("error", req.Error),
		)
		AbortWithError(c, &providerDeniedError{code: req.Error, description: req.ErrorDescription})
		return
	}
	if req.Code == "" {
		AbortWithError(c, newValidationError("code", "required", "code is required"))
		return
	}
	if req.State == "" {
		AbortWithError(c, newValidationError("state", "required", "state is required"))
		return
	}

	token, err := s.flow.Complete(c.Request.Context(), req.Code, req.State)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"user_id":    token.UserID,
		"expires_in": secondsUntil(s.clock.Now(), token.ExpiresAt),
	})
}

// bindCallback reads code and state from the query string, a form body or a
// JSON body.
func bindCallback(c *gin.Context) (callbackRequest, error) {
	var req callbackRequest
	if c.Request.Method == http.MethodPost && c.ContentType() == binding.MIMEJSON {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, err
		}
	} else if err := c.ShouldBind(&req); err != nil {
		return req, err
	}

	req.Code = trimmedFirstNonEmpty(req.Code, c.Query("code"))
	req.State = trimmedFirstNonEmpty(req.State, c.Query("state"))
	req.Error = trimmedFirstNonEmpty(req.Error, c.Query("error"))
	req.ErrorDescription = trimmedFirstNonEmpty(req.ErrorDescription, c.Query("error_description"))
	return req, nil
}

func (s *Server) OAuthStatus(c *gin.Context) {
	status, err := s.authsvc.Status(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) RefreshToken(c *gin.Context) {
	token, err := s.authsvc.Refresh(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    "token refreshed",
		"expires_in": secondsUntil(s.clock.Now(), token.ExpiresAt),
	})
}

func (s *Server) RevokeToken(c *gin.Context) {
	if err := s.authsvc.Revoke(c.Request.Context(), userIDFromContext(c)); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "token revoked",
	})
}

func (s *Server) Health(c *gin.Context) {
	stats, err := s.authsvc.Stats(c.Request.Context())
	if err != nil {
		obslogger.FromContext(c.Request.Context()).Warn("claude token stats unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  "token store unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"oauth_configured": s.oauthConfigured(),
		"token_stats":      stats,
	})
}

func (s *Server) oauthConfigured() bool {
	claude := s.cfg.Claude
	return strings.TrimSpace(claude.ClientID) != "" &&
		strings.TrimSpace(claude.TokenURL) != "" &&
		strings.TrimSpace(claude.RedirectURI) != ""
}
