package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	CodeInvalidGrant   = "invalid_grant"
	CodeInvalidRequest = "invalid_request"
	CodeInvalidClient  = "invalid_client"
)

// Error is a non-2xx answer from the token endpoint. The response body is
// not retained.
type Error struct {
	Status int
	Code   string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("claude token endpoint returned %d", e.Status)
	}
	return fmt.Sprintf("claude token endpoint returned %d (%s)", e.Status, e.Code)
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// IsInvalidGrant reports whether err means the refresh token or code was
// rejected for good.
func IsInvalidGrant(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Code == CodeInvalidGrant
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	return !perr.Retryable()
}

// parseErrorCode accepts both the RFC 6749 shape {"error":"invalid_grant"}
// and the API shape {"error":{"type":"invalid_grant"}}.
func parseErrorCode(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return ""
	}

	var code string
	if err := json.Unmarshal(envelope.Error, &code); err == nil {
		return strings.TrimSpace(code)
	}
	var nested struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Error, &nested); err == nil {
		return strings.TrimSpace(nested.Type)
	}
	return ""
}
