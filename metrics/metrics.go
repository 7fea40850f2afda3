// Package metrics exposes session engine counters to Prometheus. A nil *Collector is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sentinel_auth"

// Refresh and login outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRevoked     = "revoked"
	OutcomeUnavailable = "unavailable"
	OutcomeCancelled   = "cancelled"
	OutcomeDenied      = "denied"
	OutcomeError       = "error"
)

type Collector struct {
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	loginTotal      *prometheus.CounterVec
	sessionState    *prometheus.GaugeVec
	states          []string
}

// New registers the collectors on registry. states lists every session state so the
// gauge always exposes one series per state.
func New(registry prometheus.Registerer, states ...string) (*Collector, error) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	c := &Collector{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Token refresh exchanges by outcome",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of token refresh exchanges including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_total",
			Help:      "Interactive logins by provider and outcome",
		}, []string{"provider", "outcome"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		states: states,
	}

	for _, col := range []prometheus.Collector{c.refreshTotal, c.refreshDuration, c.loginTotal, c.sessionState} {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}
	for _, s := range states {
		c.sessionState.WithLabelValues(s).Set(0)
	}
	return c, nil
}

func (c *Collector) ObserveRefresh(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.refreshTotal.WithLabelValues(outcome).Inc()
	c.refreshDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveLogin(provider, outcome string) {
	if c == nil {
		return
	}
	c.loginTotal.WithLabelValues(provider, outcome).Inc()
}

// SetState marks state as current.
func (c *Collector) SetState(state string) {
	if c == nil {
		return
	}
	for _, s := range c.states {
		c.sessionState.WithLabelValues(s).Set(0)
	}
	c.sessionState.WithLabelValues(state).Set(1)
}

// RefreshCounter returns the refresh counter for outcome.
func (c *Collector) RefreshCounter(outcome string) prometheus.Counter {
	return c.refreshTotal.WithLabelValues(outcome)
}
