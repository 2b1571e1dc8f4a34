package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/claudeauth/internal/apikey/domain"
	"github.com/smallbiznis/claudeauth/internal/config"
	obslogger "github.com/smallbiznis/claudeauth/internal/observability/logger"
)

const (
	HeaderUserID     = "X-User-Id"
	contextUserIDKey = "user_id"
	contextAuthType  = "auth_type"
	contextAPIKeyID  = "api_key_id"
)

// UserContext authenticates the caller and binds the request to the user it
// acts for. The user never comes from the query string.
func (s *Server) UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.resolveUserID(c)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(obslogger.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func (s *Server) resolveUserID(c *gin.Context) (string, error) {
	mode := s.cfg.Auth.Mode
	if mode == config.AuthModeSingleUser {
		c.Set(contextAuthType, config.AuthModeSingleUser)
		return trimmedFirstNonEmpty(s.cfg.Claude.DefaultUserID, "default"), nil
	}

	if raw, ok := bearerToken(c); ok {
		if s.apikeys == nil {
			return "", ErrUnauthorized
		}
		principal, err := s.apikeys.Authenticate(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, apikeydomain.ErrUnauthorized) {
				return "", ErrUnauthorized
			}
			return "", err
		}
		c.Set(contextAuthType, config.AuthModeAPIKey)
		c.Set(contextAPIKeyID, principal.KeyID)
		return principal.UserID, nil
	}

	if mode == config.AuthModeTrustedHeader {
		if userID := firstHeaderValue(c.GetHeader(HeaderUserID)); userID != "" {
			c.Set(contextAuthType, config.AuthModeTrustedHeader)
			return userID, nil
		}
	}
	return "", ErrUnauthorized
}

// AdminRequired guards key management with the static admin token.
func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		admin := s.cfg.Auth.AdminToken
		if !ok || admin == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(admin)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return parts[1], true
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
