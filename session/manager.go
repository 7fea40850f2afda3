// Package session owns the single authenticated session of the process. The Manager
// decides when a stored token can be used as is, when it must be refreshed and when
// the user has to log in again, and publishes every transition to observers.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/jrsteele09/sentinel-auth/credstore"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/metrics"
	"github.com/jrsteele09/sentinel-auth/providers"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/jrsteele09/sentinel-auth/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Registry resolves providers by id. *providers.Registry implements it.
type Registry interface {
	Resolve(id string) (providers.Provider, providers.Config, error)
	ResolveActive() (providers.Provider, providers.Config, error)
	Active() string
}

// Manager is safe for concurrent use.
type Manager struct {
	store    credstore.Store
	registry Registry
	logger   *zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	skew           time.Duration
	retryAttempts  int
	retryDelay     time.Duration
	refreshTimeout time.Duration
	loginTimeout   time.Duration

	// refreshLock guards every read-modify-write of the stored record.
	refreshLock sync.Mutex
	flights     singleflight.Group

	stateMu     sync.Mutex
	state       State
	subscribers map[int]chan State
	nextSub     int

	// generation counts store writes made by the manager, guarded by stateMu. Readers
	// that load without the refresh lock only publish if it did not move meanwhile.
	generation uint64
}

func New(store credstore.Store, registry Registry, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		registry:       registry,
		logger:         &log.Logger,
		now:            time.Now,
		skew:           DefaultRefreshSkew,
		retryAttempts:  DefaultRetryAttempts,
		retryDelay:     DefaultRetryDelay,
		refreshTimeout: DefaultRefreshTimeout,
		loginTimeout:   DefaultLoginTimeout,
		state:          State{Status: StatusUnauthenticated},
		subscribers:    map[int]chan State{},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics.SetState(string(StatusUnauthenticated))
	return m
}

// EnsureValidSession returns a usable record, refreshing it first when it expires
// within the refresh skew. A nil record with a nil error means the user must log in.
// Concurrent callers share one refresh; each may stop waiting when its ctx is done.
func (m *Manager) EnsureValidSession(ctx context.Context) (*token.Record, error) {
	var r *token.Record
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrapf(err, "[Manager EnsureValidSession]")
			}
		}

		gen := m.currentGeneration()
		var err error
		r, err = m.store.Load(ctx)
		switch {
		case err != nil:
			if !m.publishAt(gen, m.errorState(nil, err)) {
				continue
			}
			return nil, errors.Wrapf(err, "[Manager EnsureValidSession]")
		case r == nil:
			if !m.publishAt(gen, State{Status: StatusUnauthenticated}) {
				continue
			}
			return nil, nil
		case !r.ShouldRefresh(m.now(), m.skew):
			// A logout or login that finished after the Load makes r stale.
			if !m.publishAt(gen, m.authenticatedState(r)) {
				continue
			}
			return r, nil
		}
		break
	}

	ch := m.flights.DoChan(r.Key(), func() (any, error) {
		// The refresh outlives any single caller so that abandoning callers cannot
		// leave a rotated refresh token unsaved.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refresh(fctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, errors.Wrapf(res.Err, "[Manager EnsureValidSession]")
		}
		next, _ := res.Val.(*token.Record)
		return next, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "[Manager EnsureValidSession] abandoned wait for refresh")
	}
}

// refresh runs under the refresh lock. It re-reads the record because another flight,
// a login or a logout may have replaced it while this one was waiting.
func (m *Manager) refresh(ctx context.Context) (*token.Record, error) {
	m.refreshLock.Lock()
	defer m.refreshLock.Unlock()

	current, err := m.store.Load(ctx)
	if err != nil {
		m.setError(nil, err)
		return nil, err
	}
	if current == nil {
		m.setState(State{Status: StatusUnauthenticated})
		return nil, nil
	}

	now := m.now()
	if !current.ShouldRefresh(now, m.skew) {
		m.setAuthenticated(current)
		return current, nil
	}
	if !current.CanRefresh() {
		if current.Expiry.After(now) {
			// Usable until it expires; the user logs in again afterwards.
			m.setAuthenticated(current)
			return current, nil
		}
		return m.endSession(ctx, current, "stored token expired and cannot be refreshed")
	}

	provider, err := m.providerFor(current)
	if err != nil {
		m.setError(current, err)
		return nil, err
	}

	m.setState(State{Status: StatusRefreshing, Token: current, User: m.userFor(current)})
	m.logger.Debug().Str("token", current.Key()).Time("expiry", current.Expiry).Str("provider", provider.ID()).Msg("refreshing token")

	start := time.Now()
	var next *token.Record
	err = retry.New(
		retry.Attempts(uint(m.retryAttempts)),
		retry.Delay(m.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errors.ErrProviderUnavailable)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn().Err(err).Uint("attempt", n+1).Msg("token refresh failed, retrying")
		}),
	).Do(func() error {
		var err error
		next, err = provider.Refresh(ctx, current)
		return err
	})

	if err != nil && ctx.Err() != nil {
		// Timed out between attempts; the provider never answered in time.
		err = errors.Mark(err, errors.ErrProviderUnavailable)
	}

	switch {
	case err == nil:
		if err := m.store.Save(ctx, next); err != nil {
			m.metrics.ObserveRefresh(metrics.OutcomeError, time.Since(start))
			m.setError(current, err)
			return nil, err
		}
		m.metrics.ObserveRefresh(metrics.OutcomeSuccess, time.Since(start))
		m.commit(m.authenticatedState(next))
		return next, nil

	case errors.Is(err, errors.ErrRefreshTokenInvalid):
		m.metrics.ObserveRefresh(metrics.OutcomeRevoked, time.Since(start))
		return m.endSession(ctx, current, "refresh token rejected by provider")

	case errors.Is(err, errors.ErrProviderUnavailable):
		m.metrics.ObserveRefresh(metrics.OutcomeUnavailable, time.Since(start))
		// The stored record stays: the provider may be back later.
		m.setError(current, err)
		return nil, err

	default:
		m.metrics.ObserveRefresh(metrics.OutcomeError, time.Since(start))
		m.setError(current, err)
		return nil, err
	}
}

// endSession clears the stored record after it became unusable.
func (m *Manager) endSession(ctx context.Context, r *token.Record, reason string) (*token.Record, error) {
	m.logger.Info().Str("token", r.Key()).Msg(reason + ", session ended")
	if err := m.store.Clear(ctx); err != nil {
		m.setError(r, err)
		return nil, err
	}
	m.commit(State{Status: StatusUnauthenticated})
	return nil, nil
}

// Login runs the interactive flow of providerID and stores the result. Configuration
// errors fail before any user interaction.
func (m *Manager) Login(ctx context.Context, providerID string) (*token.Record, error) {
	provider, _, err := m.registry.Resolve(providerID)
	if err != nil {
		m.metrics.ObserveLogin(providerID, metrics.OutcomeError)
		return nil, errors.Wrapf(err, "[Manager Login]")
	}
	return m.login(ctx, provider)
}

// LoginActive logs in with the configured active provider.
func (m *Manager) LoginActive(ctx context.Context) (*token.Record, error) {
	provider, _, err := m.registry.ResolveActive()
	if err != nil {
		m.metrics.ObserveLogin(m.registry.Active(), metrics.OutcomeError)
		return nil, errors.Wrapf(err, "[Manager LoginActive]")
	}
	return m.login(ctx, provider)
}

func (m *Manager) login(ctx context.Context, provider providers.Provider) (*token.Record, error) {
	lctx, cancel := context.WithTimeout(ctx, m.loginTimeout)
	defer cancel()

	// The interactive part runs without the refresh lock; it can take minutes.
	r, err := provider.Login(lctx)
	if err != nil {
		return nil, m.loginFailed(provider.ID(), err)
	}
	if r == nil {
		return nil, nil
	}
	return m.completeLogin(ctx, provider.ID(), r)
}

// HandleAuthResponse completes a login from a callback URL delivered by the host, for
// example through a deep link.
func (m *Manager) HandleAuthResponse(ctx context.Context, providerID, callbackURL string) (*token.Record, error) {
	provider, _, err := m.registry.Resolve(providerID)
	if err != nil {
		m.metrics.ObserveLogin(providerID, metrics.OutcomeError)
		return nil, errors.Wrapf(err, "[Manager HandleAuthResponse]")
	}
	resp, err := providers.ParseAuthResponse(callbackURL)
	if err != nil {
		return nil, m.loginFailed(providerID, err)
	}
	r, err := provider.HandleAuthResponse(ctx, resp)
	if err != nil {
		return nil, m.loginFailed(providerID, err)
	}
	return m.completeLogin(ctx, providerID, r)
}

func (m *Manager) completeLogin(ctx context.Context, providerID string, r *token.Record) (*token.Record, error) {
	m.refreshLock.Lock()
	defer m.refreshLock.Unlock()

	if err := m.store.Save(ctx, r); err != nil {
		m.metrics.ObserveLogin(providerID, metrics.OutcomeError)
		m.setError(nil, err)
		return nil, errors.Wrapf(err, "[Manager Login]")
	}
	m.metrics.ObserveLogin(providerID, metrics.OutcomeSuccess)
	m.logger.Info().Str("provider", providerID).Str("token", r.Key()).Msg("logged in")
	m.commit(m.authenticatedState(r))
	return r, nil
}

// loginFailed records a failed login. Rejections leave an existing session alone and
// otherwise settle on Unauthenticated; infrastructure failures move to Error.
func (m *Manager) loginFailed(providerID string, err error) error {
	switch {
	case errors.Is(err, errors.ErrAuthCancelled):
		m.metrics.ObserveLogin(providerID, metrics.OutcomeCancelled)
		m.logger.Info().Str("provider", providerID).Msg("login cancelled")
		m.settleUnauthenticated()
	case errors.Is(err, errors.ErrAuthDenied), errors.Is(err, errors.ErrInvalidResponse):
		m.metrics.ObserveLogin(providerID, metrics.OutcomeDenied)
		m.logger.Warn().Err(err).Str("provider", providerID).Msg("login rejected")
		m.settleUnauthenticated()
	case errors.Is(err, errors.ErrProviderUnavailable), errors.Is(err, errors.ErrStorageUnavailable):
		m.metrics.ObserveLogin(providerID, metrics.OutcomeUnavailable)
		m.setError(nil, err)
	default:
		m.metrics.ObserveLogin(providerID, metrics.OutcomeError)
		m.logger.Error().Err(err).Str("provider", providerID).Msg("login failed")
	}
	return errors.Wrapf(err, "[Manager Login]")
}

func (m *Manager) settleUnauthenticated() {
	m.stateMu.Lock()
	authenticated := m.state.Status == StatusAuthenticated
	m.stateMu.Unlock()
	if !authenticated {
		m.setState(State{Status: StatusUnauthenticated})
	}
}

// Logout notifies the provider, best effort, then always clears the stored record.
// It holds the refresh lock, so a refresh in flight either finishes before the record
// is cleared or finds it gone.
func (m *Manager) Logout(ctx context.Context) error {
	m.refreshLock.Lock()
	defer m.refreshLock.Unlock()

	r, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not read stored token before logout")
	}
	if r != nil {
		if provider, err := m.providerFor(r); err != nil {
			m.logger.Warn().Err(err).Msg("skipping provider logout")
		} else if err := provider.Logout(ctx, r); err != nil {
			m.logger.Warn().Err(err).Str("provider", provider.ID()).Msg("provider logout failed")
		}
	}

	if err := m.store.Clear(ctx); err != nil {
		m.setError(nil, err)
		return errors.Wrapf(err, "[Manager Logout]")
	}
	m.logger.Info().Msg("logged out")
	m.commit(State{Status: StatusUnauthenticated})
	return nil
}

// Retry leaves the Error state and re-evaluates the stored session.
func (m *Manager) Retry(ctx context.Context) (*token.Record, error) {
	m.stateMu.Lock()
	inError := m.state.Status == StatusError
	m.stateMu.Unlock()
	if inError {
		m.setState(State{Status: StatusUnauthenticated})
	}
	return m.EnsureValidSession(ctx)
}

// providerFor picks the provider that issued r, or the active one for records
// written before the issuer was recorded.
func (m *Manager) providerFor(r *token.Record) (providers.Provider, error) {
	var (
		p   providers.Provider
		err error
	)
	if r.Provider != "" {
		p, _, err = m.registry.Resolve(r.Provider)
	} else {
		p, _, err = m.registry.ResolveActive()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[Manager providerFor]")
	}
	return p, nil
}

func (m *Manager) userFor(r *token.Record) *users.User {
	u, err := users.FromRecord(r)
	if err != nil {
		m.logger.Debug().Err(err).Msg("token carries no readable user claims")
		return nil
	}
	return u
}

func (m *Manager) authenticatedState(r *token.Record) State {
	return State{Status: StatusAuthenticated, Token: r, User: m.userFor(r)}
}

func (m *Manager) setAuthenticated(r *token.Record) {
	m.setState(m.authenticatedState(r))
}

func (m *Manager) errorState(r *token.Record, err error) State {
	m.logger.Error().Err(err).Msg("session error")
	return State{Status: StatusError, Token: r, Err: err}
}

func (m *Manager) setError(r *token.Record, err error) {
	m.setState(m.errorState(r, err))
}

// State returns the current snapshot.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

// Subscribe returns a channel that always holds the latest state: an unread older
// state is replaced by a newer one. The current state is delivered immediately.
// The returned func unsubscribes and closes the channel.
func (m *Manager) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	m.stateMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = ch
	ch <- m.state
	m.stateMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.stateMu.Lock()
			defer m.stateMu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}
}

func (m *Manager) currentGeneration() uint64 {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.generation
}

// publishAt publishes s only if the manager has not written the store since gen was
// read. It reports whether s was published.
func (m *Manager) publishAt(gen uint64, s State) bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.generation != gen {
		return false
	}
	m.publishLocked(s)
	return true
}

// commit publishes the state that follows a store write made under the refresh lock.
func (m *Manager) commit(s State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.generation++
	m.publishLocked(s)
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.publishLocked(s)
}

func (m *Manager) publishLocked(s State) {
	m.state = s
	m.metrics.SetState(string(s.Status))
	for _, ch := range m.subscribers {
		// Senders only run under stateMu, so after draining the slot is free.
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
