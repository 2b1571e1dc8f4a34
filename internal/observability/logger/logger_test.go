package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactReplacesCredentialFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(Redact(core))

	log.With(zap.String("refresh_token", "rt-secret")).Info("refreshed",
		zap.String("access_token", "at-secret"),
		zap.String("user_id", "u1"),
	)

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	assert.Equal(t, redacted, fields["access_token"])
	assert.Equal(t, redacted, fields["refresh_token"])
	assert.Equal(t, "u1", fields["user_id"])
}

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithUserID(WithRequestID(context.Background(), "req-1"), "user-9")

	WithContext(ctx, zap.New(core)).Info("hello")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "user-9", fields["user_id"])
}

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		`SELECT * FROM "claude_oauth_tokens"`:     "SELECT",
		`INSERT INTO "claude_oauth_tokens" (...)`: "INSERT",
		"  update claude_oauth_tokens set x=1":    "UPDATE",
		"":                                        "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
