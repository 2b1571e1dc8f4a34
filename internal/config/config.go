package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPPort    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Auth      AuthConfig

	Claude        ClaudeConfig
	Sweep         SweepConfig
	MetricsPush   MetricsPushConfig
	Observability ObservabilityConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

const (
	// AuthModeAPIKey takes the user from a bearer API key.
	AuthModeAPIKey = "api_key"
	// AuthModeTrustedHeader also accepts X-User-Id, set by a proxy that has
	// already authenticated the caller.
	AuthModeTrustedHeader = "trusted_header"
	// AuthModeSingleUser acts on DefaultUserID for every request.
	AuthModeSingleUser = "single_user"
)

// AuthConfig decides how HTTP callers are mapped to a user. AdminToken
// guards API key management; empty disables those routes.
type AuthConfig struct {
	Mode       string
	AdminToken string
}

type RateLimitConfig struct {
	Enabled bool
	Rate    float64
	Burst   int
}

// ClaudeConfig configures the Anthropic OAuth client and token storage.
type ClaudeConfig struct {
	ClientID      string
	AuthorizeURL  string
	TokenURL      string
	RedirectURI   string
	Scopes        []string
	BetaHeader    string
	DefaultUserID string
	TokenFile     string
	EncryptionKey string
	AutoRefresh   bool

	// Legacy single-user credentials.
	AccessToken  string
	RefreshToken string
	ExpiresAt    string
}

type SweepConfig struct {
	Interval time.Duration
	Window   time.Duration
}

// MetricsPushConfig points the token stats pusher at a Prometheus
// remote_write endpoint or a Pushgateway. Empty Exporter disables it.
type MetricsPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

// ObservabilityConfig feeds the logger and the OTLP trace and metric
// exporters. Tracing stays off until both Enabled and Endpoint are set.
type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelEndpoint  string
	OtelProtocol  string
	SamplingRatio float64
}

const (
	DefaultClientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultAuthorizeURL = "https://claude.ai/oauth/authorize"
	DefaultTokenURL     = "https://console.anthropic.com/v1/oauth/token"
	DefaultRedirectURI  = "http://localhost:4000/auth/claude/callback"
	DefaultBetaHeader   = "oauth-2025-04-20"
	DefaultScopes       = "org:create_api_key user:profile user:inference"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "claudeauth"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPPort:          getenv("PORT", "4000"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "litellm"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "claudeauth.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled: getenvBool("OAUTH_RATE_LIMIT_ENABLED", true),
			Rate:    getenvFloat("OAUTH_RATE_LIMIT_RATE", 1),
			Burst:   getenvInt("OAUTH_RATE_LIMIT_BURST", 10),
		},
		Auth: AuthConfig{
			Mode:       parseAuthMode(getenv("AUTH_MODE", AuthModeAPIKey)),
			AdminToken: strings.TrimSpace(os.Getenv("ADMIN_API_TOKEN")),
		},
		Claude: ClaudeConfig{
			ClientID:      strings.TrimSpace(getenv("CLAUDE_OAUTH_CLIENT_ID", DefaultClientID)),
			AuthorizeURL:  strings.TrimSpace(getenv("CLAUDE_OAUTH_AUTHORIZE_URL", DefaultAuthorizeURL)),
			TokenURL:      strings.TrimSpace(getenv("CLAUDE_OAUTH_TOKEN_URL", DefaultTokenURL)),
			RedirectURI:   strings.TrimSpace(getenv("CLAUDE_OAUTH_REDIRECT_URI", DefaultRedirectURI)),
			Scopes:        parseScopes(getenv("CLAUDE_OAUTH_SCOPES", DefaultScopes)),
			BetaHeader:    strings.TrimSpace(getenv("CLAUDE_OAUTH_BETA", DefaultBetaHeader)),
			DefaultUserID: strings.TrimSpace(getenv("CLAUDE_DEFAULT_USER_ID", "default")),
			TokenFile:     strings.TrimSpace(getenv("CLAUDE_TOKEN_FILE", defaultTokenFile())),
			EncryptionKey: strings.TrimSpace(os.Getenv("CLAUDE_TOKEN_ENCRYPTION_KEY")),
			AutoRefresh:   getenvBool("CLAUDE_AUTO_REFRESH", true),
			AccessToken:   strings.TrimSpace(os.Getenv("CLAUDE_ACCESS_TOKEN")),
			RefreshToken:  strings.TrimSpace(os.Getenv("CLAUDE_REFRESH_TOKEN")),
			ExpiresAt:     strings.TrimSpace(os.Getenv("CLAUDE_EXPIRES_AT")),
		},
		Sweep: SweepConfig{
			Interval: getenvDuration("CLAUDE_REFRESH_SWEEP_INTERVAL", time.Minute),
			Window:   getenvDuration("CLAUDE_REFRESH_SWEEP_WINDOW", 10*time.Minute),
		},
		MetricsPush: MetricsPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_PUSH_EXPORTER"))),
			Endpoint:  strings.TrimSpace(os.Getenv("METRICS_PUSH_ENDPOINT")),
			AuthToken: strings.TrimSpace(os.Getenv("METRICS_PUSH_AUTH_TOKEN")),
			Interval:  getenvDuration("METRICS_PUSH_INTERVAL", 5*time.Minute),
		},
		Observability: ObservabilityConfig{
			LogLevel:      strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:     strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:  strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
			OtelProtocol:  parseOTLPProtocol(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: clampRatio(getenvFloat("OTEL_SAMPLING_RATIO", 0.1)),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".litellm/claude_tokens.json"
	}
	return home + "/.litellm/claude_tokens.json"
}

// parseAuthMode falls back to api_key for anything it does not recognise.
func parseAuthMode(raw string) string {
	switch mode := strings.ToLower(strings.TrimSpace(raw)); mode {
	case AuthModeTrustedHeader, AuthModeSingleUser:
		return mode
	default:
		return AuthModeAPIKey
	}
}

func parseOTLPProtocol(raw string) string {
	switch p := strings.ToLower(strings.TrimSpace(raw)); p {
	case "http", "http/protobuf":
		return "http"
	default:
		return "grpc"
	}
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

func parseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(fields))
	seen := map[string]struct{}{}
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("90s") or bare seconds ("90").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
