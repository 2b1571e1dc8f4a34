package observability

import (
	"strings"

	"github.com/smallbiznis/claudeauth/internal/config"
)

// Config is what the logger, tracer and metrics providers share. It is
// derived from config.Config and reads no environment of its own.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability
	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = "claudeauth"
	}
	return Config{
		ServiceName:          name,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             obs.LogLevel,
		LogFormat:            obs.LogFormat,
		OtelEnabled:          obs.OtelEnabled && obs.OtelEndpoint != "",
		OtelExporterEndpoint: obs.OtelEndpoint,
		OtelExporterProtocol: obs.OtelProtocol,
		OtelSamplingRatio:    obs.SamplingRatio,
	}
}

// Debug turns on development logging and stack traces. Production never
// gets it unless LOG_LEVEL=debug is set explicitly.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
