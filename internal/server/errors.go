package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	apikeydomain "github.com/smallbiznis/claudeauth/internal/apikey/domain"
	"github.com/smallbiznis/claudeauth/internal/auth/domain"
)

const reconnectMessage = "please reconnect Claude"

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInternal       = errors.New("internal_error")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrUnauthorized   = errors.New("unauthorized")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var denied *providerDeniedError
	if errors.As(err, &denied) {
		message := denied.description
		if message == "" {
			message = denied.code
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "authorization_denied",
			Message: message,
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "a valid API key is required",
		}
	case errors.Is(err, apikeydomain.ErrInvalidUser),
		errors.Is(err, apikeydomain.ErrInvalidName),
		errors.Is(err, apikeydomain.ErrInvalidKeyID):
		return http.StatusBadRequest, errorPayload{
			Type:    err.Error(),
			Message: "invalid request",
		}
	case errors.Is(err, apikeydomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "api key not found",
		}
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, domain.ErrDecryption):
		return http.StatusUnauthorized, errorPayload{
			Type:    "decryption_failed",
			Message: reconnectMessage,
		}
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_state",
			Message: "invalid or expired state, restart the authorization",
		}
	case errors.Is(err, domain.ErrTokenExchange):
		return http.StatusBadGateway, errorPayload{
			Type:    "token_exchange_failed",
			Message: "token exchange with Claude failed",
		}
	case errors.Is(err, domain.ErrRefreshFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "refresh_failed",
			Message: reconnectMessage,
		}
	case errors.Is(err, domain.ErrReauthRequired):
		return http.StatusBadRequest, errorPayload{
			Type:    "reauth_required",
			Message: reconnectMessage,
		}
	case errors.Is(err, domain.ErrNotAuthenticated),
		errors.Is(err, domain.ErrTokenNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_authenticated",
			Message: reconnectMessage,
		}
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "token storage unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client
// sees, without the message.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}
