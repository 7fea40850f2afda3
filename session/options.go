package session

import (
	"time"

	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/metrics"
	"github.com/rs/zerolog"
)

const (
	DefaultRefreshSkew    = 10 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultRefreshTimeout = 30 * time.Second
	DefaultLoginTimeout   = 5 * time.Minute
)

type Option func(*Manager)

// WithClock overrides time.Now for refresh decisions.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithRefreshSkew sets how long before expiry a record is refreshed.
func WithRefreshSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithRetry sets how often a refresh is attempted while the provider is unavailable.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(m *Manager) {
		if attempts < 1 {
			attempts = 1
		}
		m.retryAttempts = attempts
		m.retryDelay = delay
	}
}

// WithRefreshTimeout bounds one shared refresh, retries included.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) { m.refreshTimeout = d }
}

// WithLoginTimeout bounds the interactive part of a login.
func WithLoginTimeout(d time.Duration) Option {
	return func(m *Manager) { m.loginTimeout = d }
}

// OptionsFromConfig maps the OAuth settings onto options.
func OptionsFromConfig(cfg config.OAuthConfig) []Option {
	return []Option{
		WithRefreshSkew(cfg.GetRefreshSkew()),
		WithRetry(cfg.GetRefreshAttempts(), cfg.GetRefreshRetryDelay()),
		WithRefreshTimeout(cfg.GetRefreshTimeout()),
		WithLoginTimeout(cfg.GetLoginTimeout()),
	}
}
