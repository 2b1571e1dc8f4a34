package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// RefreshPolicy tunes the token refresh engine. It is read from claude.yaml
// and may change at runtime.
type RefreshPolicy struct {
	Threshold      time.Duration `mapstructure:"threshold"`
	MaxRetries     int           `mapstructure:"maxRetries"`
	AttemptTimeout time.Duration `mapstructure:"attemptTimeout"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
	LockTTL        time.Duration `mapstructure:"lockTTL"`
}

func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		Threshold:      5 * time.Minute,
		MaxRetries:     3,
		AttemptTimeout: 30 * time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		LockTTL:        time.Minute,
	}
}

type RefreshPolicyHolder struct {
	current atomic.Value // holds RefreshPolicy
}

// NewStaticRefreshPolicy returns a holder that never reloads.
func NewStaticRefreshPolicy(p RefreshPolicy) *RefreshPolicyHolder {
	holder := &RefreshPolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewRefreshPolicyHolder(log *zap.Logger) (*RefreshPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.refresh")

	v := viper.New()
	v.SetConfigName("claude")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/claudeauth")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLAUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultRefreshPolicy()
	v.SetDefault("refresh.threshold", defaults.Threshold)
	v.SetDefault("refresh.maxRetries", defaults.MaxRetries)
	v.SetDefault("refresh.attemptTimeout", defaults.AttemptTimeout)
	v.SetDefault("refresh.initialBackoff", defaults.InitialBackoff)
	v.SetDefault("refresh.maxBackoff", defaults.MaxBackoff)
	v.SetDefault("refresh.lockTTL", defaults.LockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeRefreshPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticRefreshPolicy(cfg)
	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeRefreshPolicy(v)
		if err != nil {
			log.Warn("refresh policy reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("refresh policy reloaded",
			zap.String("file", e.Name),
			zap.Duration("threshold", updated.Threshold),
			zap.Int("max_retries", updated.MaxRetries),
		)
	})

	return holder, nil
}

func (h *RefreshPolicyHolder) Get() RefreshPolicy {
	if h == nil {
		return DefaultRefreshPolicy()
	}
	p, ok := h.current.Load().(RefreshPolicy)
	if !ok {
		return DefaultRefreshPolicy()
	}
	return p
}

func decodeRefreshPolicy(v *viper.Viper) (RefreshPolicy, error) {
	var cfg RefreshPolicy
	if err := v.UnmarshalKey("refresh", &cfg); err != nil {
		return RefreshPolicy{}, err
	}
	if err := validateRefreshPolicy(cfg); err != nil {
		return RefreshPolicy{}, err
	}
	return cfg, nil
}

func validateRefreshPolicy(cfg RefreshPolicy) error {
	if cfg.Threshold < 0 {
		return errors.New("refresh.threshold cannot be negative")
	}
	if cfg.MaxRetries < 1 {
		return errors.New("refresh.maxRetries must be at least 1")
	}
	if cfg.AttemptTimeout <= 0 {
		return errors.New("refresh.attemptTimeout must be positive")
	}
	if cfg.InitialBackoff <= 0 {
		return errors.New("refresh.initialBackoff must be positive")
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		return errors.New("refresh.maxBackoff must not be below initialBackoff")
	}
	return nil
}
