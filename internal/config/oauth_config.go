package config

import "time"

type OAuthConfig interface {
	GetRefreshSkew() time.Duration
	GetRefreshAttempts() int
	GetRefreshRetryDelay() time.Duration
	GetRefreshTimeout() time.Duration
	GetLoginTimeout() time.Duration
	GetAuthFlowTimeout() time.Duration
}

type OAuth struct{}

var _ OAuthConfig = OAuth{}

// GetRefreshSkew is the lead time before expiry at which a token is refreshed
func (OAuth) GetRefreshSkew() time.Duration {
	return GetDuration("AUTH_REFRESH_SKEW", 10*time.Minute)
}

func (OAuth) GetRefreshAttempts() int {
	return GetInt("AUTH_REFRESH_ATTEMPTS", 3)
}

func (OAuth) GetRefreshRetryDelay() time.Duration {
	return GetDuration("AUTH_REFRESH_RETRY_DELAY", 500*time.Millisecond)
}

func (OAuth) GetRefreshTimeout() time.Duration {
	return GetDuration("AUTH_REFRESH_TIMEOUT", 30*time.Second)
}

func (OAuth) GetLoginTimeout() time.Duration {
	return GetDuration("AUTH_LOGIN_TIMEOUT", 5*time.Minute)
}

// GetAuthFlowTimeout bounds how long a pending authorization request stays redeemable
func (OAuth) GetAuthFlowTimeout() time.Duration {
	return GetDuration("AUTH_FLOW_TIMEOUT", 15*time.Minute)
}
