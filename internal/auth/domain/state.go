package domain

import "time"

// StateTTL bounds how long an authorization attempt may stay open.
const StateTTL = 10 * time.Minute

// FlowState tracks one authorization attempt.
type FlowState string

const (
	FlowInit             FlowState = "INIT"
	FlowAwaitingCallback FlowState = "AWAITING_CALLBACK"
	FlowExchanging       FlowState = "EXCHANGING"
	FlowComplete         FlowState = "COMPLETE"
	FlowFailed           FlowState = "FAILED"
)

// AuthState is the server-side half of an in-flight authorization.
// CodeVerifier never leaves the server.
type AuthState struct {
	State        string    `json:"state"`
	CodeVerifier string    `json:"code_verifier"`
	RedirectURI  string    `json:"redirect_uri"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *AuthState) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > StateTTL
}
