package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/sentinel-auth/credstore/storefake"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/metrics"
	"github.com/jrsteele09/sentinel-auth/providers"
	"github.com/jrsteele09/sentinel-auth/providers/providerfake"
	"github.com/jrsteele09/sentinel-auth/session"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type testFixture struct {
	store    *storefake.FakeStore
	provider *providerfake.FakeProvider
	metrics  *metrics.Collector
	manager  *session.Manager
}

func setupTestFixture(t *testing.T, stored *token.Record, opts ...session.Option) *testFixture {
	t.Helper()

	store := storefake.NewFakeStore()
	if stored != nil {
		store = storefake.NewFakeStoreWith(stored)
	}
	provider := providerfake.NewFakeProvider("azure")
	registry, err := providers.NewRegistry("azure", provider)
	require.NoError(t, err)

	collector, err := metrics.New(prometheus.NewRegistry(), session.Statuses...)
	require.NoError(t, err)

	logger := zerolog.Nop()
	opts = append([]session.Option{
		session.WithClock(func() time.Time { return testNow }),
		session.WithLogger(&logger),
		session.WithMetrics(collector),
		session.WithRetry(3, time.Millisecond),
	}, opts...)

	return &testFixture{
		store:    store,
		provider: provider,
		metrics:  collector,
		manager:  session.New(store, registry, opts...),
	}
}

func record(access, refresh string, expiry time.Time) *token.Record {
	return &token.Record{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    token.DefaultTokenType,
		Expiry:       expiry.UTC(),
		Scopes:       []string{"openid", "offline_access"},
		Provider:     "azure",
	}
}

func TestEnsureValidSession(t *testing.T) {
	ctx := context.Background()

	t.Run("absent record", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Nil(t, r)
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
	})

	t.Run("fresh record is returned without refresh", func(t *testing.T) {
		for _, remaining := range []time.Duration{session.DefaultRefreshSkew + time.Second, time.Hour, 30 * 24 * time.Hour} {
			f := setupTestFixture(t, record("A1", "R1", testNow.Add(remaining)))
			r, err := f.manager.EnsureValidSession(ctx)
			require.NoError(t, err)
			require.Equal(t, "A1", r.AccessToken)
			require.Equal(t, 0, f.provider.RefreshCalls())
			require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		}
	})

	t.Run("record inside the skew window is refreshed", func(t *testing.T) {
		for _, remaining := range []time.Duration{session.DefaultRefreshSkew, time.Minute, 0, -time.Hour} {
			f := setupTestFixture(t, record("A1", "R1", testNow.Add(remaining)))
			_, err := f.manager.EnsureValidSession(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, f.provider.RefreshCalls(), "remaining %s", remaining)
		}
	})

	t.Run("expired and refreshable", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-60*time.Second)))
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return record("A2", "R2", testNow.Add(3600*time.Second)), nil
		}

		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, "A2", r.AccessToken)
		require.Equal(t, "R1", f.provider.Refreshed()[0].RefreshToken)

		stored := f.store.Current()
		require.Equal(t, "A2", stored.AccessToken)
		require.Equal(t, "R2", stored.RefreshToken)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshCounter(metrics.OutcomeSuccess)))
	})

	t.Run("expired and revoked", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-60*time.Second)))
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrRefreshTokenInvalid, "invalid_grant")
		}

		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Nil(t, r)
		require.Nil(t, f.store.Current())
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		require.Equal(t, 1, f.provider.RefreshCalls(), "revocation is not retried")

		loaded, err := f.store.Load(ctx)
		require.NoError(t, err)
		require.Nil(t, loaded)
	})

	t.Run("provider unavailable keeps the session", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-60*time.Second)))
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrProviderUnavailable, "503")
		}

		r, err := f.manager.EnsureValidSession(ctx)
		require.Nil(t, r)
		require.True(t, errors.Is(err, errors.ErrProviderUnavailable))
		require.Equal(t, 3, f.provider.RefreshCalls())

		state := f.manager.State()
		require.Equal(t, session.StatusError, state.Status)
		require.True(t, errors.Is(state.Err, errors.ErrProviderUnavailable))
		require.Equal(t, "A1", f.store.Current().AccessToken)
		require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshCounter(metrics.OutcomeUnavailable)))
	})

	t.Run("transient failure then success", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-60*time.Second)))
		calls := 0
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			calls++
			if calls == 1 {
				return nil, errors.Wrapf(errors.ErrProviderUnavailable, "timeout")
			}
			return record("A2", "R2", testNow.Add(time.Hour)), nil
		}

		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, "A2", r.AccessToken)
		require.Equal(t, 2, f.provider.RefreshCalls())
	})

	t.Run("storage unavailable", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		f.store.FailWith(true)

		_, err := f.manager.EnsureValidSession(ctx)
		require.True(t, errors.Is(err, errors.ErrStorageUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
	})

	t.Run("save failure after refresh", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
		f.store.FailSave(errors.Wrapf(errors.ErrStorageUnavailable, "disk full"))

		_, err := f.manager.EnsureValidSession(ctx)
		require.True(t, errors.Is(err, errors.ErrStorageUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
	})

	t.Run("expired record without refresh token is cleared", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "", testNow.Add(-time.Minute)))
		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Nil(t, r)
		require.Nil(t, f.store.Current())
		require.Equal(t, 0, f.provider.RefreshCalls())
	})

	t.Run("unexpired record without refresh token stays usable", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "", testNow.Add(time.Minute)))
		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, "A1", r.AccessToken)
		require.Equal(t, 0, f.provider.RefreshCalls())
	})

	t.Run("record from an unknown provider", func(t *testing.T) {
		stored := record("A1", "R1", testNow.Add(-time.Minute))
		stored.Provider = "okta"
		f := setupTestFixture(t, stored)

		_, err := f.manager.EnsureValidSession(ctx)
		require.True(t, errors.Is(err, errors.ErrUnknownProvider))
		require.Equal(t, session.StatusError, f.manager.State().Status)
		require.NotNil(t, f.store.Current())
	})

	t.Run("record without provider uses the active one", func(t *testing.T) {
		stored := record("A1", "R1", testNow.Add(-time.Minute))
		stored.Provider = ""
		f := setupTestFixture(t, stored)

		_, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, f.provider.RefreshCalls())
	})
}

func TestSingleFlightRefresh(t *testing.T) {
	t.Run("concurrent callers share one refresh", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
		f.provider.RefreshDelay = 100 * time.Millisecond
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return record("A2", "R2", testNow.Add(time.Hour)), nil
		}

		const callers = 25
		results := make([]*token.Record, callers)
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = f.manager.EnsureValidSession(context.Background())
			}()
		}
		wg.Wait()

		require.Equal(t, 1, f.provider.RefreshCalls())
		require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RefreshCounter(metrics.OutcomeSuccess)))
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			require.Equal(t, "A2", results[i].AccessToken)
		}
	})

	t.Run("a caller can stop waiting without cancelling the refresh", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
		f.provider.RefreshDelay = 100 * time.Millisecond
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return record("A2", "R2", testNow.Add(time.Hour)), nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := f.manager.EnsureValidSession(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		require.Eventually(t, func() bool {
			r := f.store.Current()
			return r != nil && r.AccessToken == "A2"
		}, 2*time.Second, 10*time.Millisecond)
		require.Equal(t, 1, f.provider.RefreshCalls())
	})

	t.Run("refresh is bounded by the refresh timeout", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)), session.WithRefreshTimeout(30*time.Millisecond))
		f.provider.RefreshDelay = time.Second

		_, err := f.manager.EnsureValidSession(context.Background())
		require.True(t, errors.Is(err, errors.ErrProviderUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
		require.Equal(t, "A1", f.store.Current().AccessToken)
	})

	t.Run("logout is not undone by a refresh in flight", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
		f.provider.RefreshDelay = 100 * time.Millisecond

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = f.manager.EnsureValidSession(context.Background())
		}()
		require.Eventually(t, func() bool { return f.provider.RefreshCalls() == 1 }, time.Second, time.Millisecond)

		require.NoError(t, f.manager.Logout(context.Background()))
		<-done

		require.Nil(t, f.store.Current())
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
	})

	t.Run("stale caller after refresh does not refresh again", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
		f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
			return record("A2", "R2", testNow.Add(time.Hour)), nil
		}
		_, err := f.manager.EnsureValidSession(context.Background())
		require.NoError(t, err)

		// A second refresh after the first one completed sees the new record.
		r, err := f.manager.EnsureValidSession(context.Background())
		require.NoError(t, err)
		require.Equal(t, "A2", r.AccessToken)
		require.Equal(t, 1, f.provider.RefreshCalls())
	})
}

// holdFirstLoad parks the first Load after it has read the store, until release is
// closed. Later loads pass through.
func holdFirstLoad(store *storefake.FakeStore) (loaded <-chan struct{}, release chan<- struct{}) {
	loadedCh := make(chan struct{})
	releaseCh := make(chan struct{})
	var held atomic.Bool
	store.AfterLoad(func(*token.Record) {
		if held.CompareAndSwap(false, true) {
			close(loadedCh)
			<-releaseCh
		}
	})
	return loadedCh, releaseCh
}

type ensureResult struct {
	record *token.Record
	err    error
}

func ensureAsync(m *session.Manager) <-chan ensureResult {
	results := make(chan ensureResult, 1)
	go func() {
		r, err := m.EnsureValidSession(context.Background())
		results <- ensureResult{record: r, err: err}
	}()
	return results
}

func TestStoreWritesDuringEnsure(t *testing.T) {
	ctx := context.Background()

	t.Run("logout after a fresh record was read", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		loaded, release := holdFirstLoad(f.store)

		results := ensureAsync(f.manager)
		<-loaded
		require.NoError(t, f.manager.Logout(ctx))
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		close(release)

		res := <-results
		require.NoError(t, res.err)
		require.Nil(t, res.record, "a logged out record must not be handed out")
		require.Nil(t, f.store.Current())
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		require.Nil(t, f.manager.State().Token)
	})

	t.Run("login after an empty store was read", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		loaded, release := holdFirstLoad(f.store)

		results := ensureAsync(f.manager)
		<-loaded
		_, err := f.manager.Login(ctx, "azure")
		require.NoError(t, err)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		close(release)

		res := <-results
		require.NoError(t, res.err)
		require.NotNil(t, res.record)
		require.Equal(t, "login", res.record.AccessToken)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		require.Equal(t, "login", f.store.Current().AccessToken)
	})

	t.Run("reader finishing before the write keeps the later state", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))

		r, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, "A1", r.AccessToken)
		require.NoError(t, f.manager.Logout(ctx))

		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		_, loads, _ := f.store.Counts()
		require.Equal(t, 2, loads)
	})

	t.Run("logout while an interactive login is pending", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		started := make(chan struct{})
		finish := make(chan struct{})
		f.provider.LoginFunc = func(context.Context) (*token.Record, error) {
			close(started)
			<-finish
			return record("B1", "RB1", testNow.Add(time.Hour)), nil
		}

		done := make(chan error, 1)
		go func() {
			_, err := f.manager.Login(ctx, "azure")
			done <- err
		}()
		<-started
		require.NoError(t, f.manager.Logout(ctx))
		require.Nil(t, f.store.Current())
		close(finish)
		require.NoError(t, <-done)

		// The login completed after the logout, so its record is the session.
		require.Equal(t, "B1", f.store.Current().AccessToken)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		require.Equal(t, "B1", f.manager.State().Token.AccessToken)
	})
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the record", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		r, err := f.manager.Login(ctx, "azure")
		require.NoError(t, err)
		require.Equal(t, "login", r.AccessToken)
		require.Equal(t, "login", f.store.Current().AccessToken)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)

		r, err = f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)
		require.Equal(t, "login", r.AccessToken)
	})

	t.Run("active provider", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		_, err := f.manager.LoginActive(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, f.provider.LoginCalls())
	})

	t.Run("unknown provider fails fast", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		_, err := f.manager.Login(ctx, "okta")
		require.True(t, errors.Is(err, errors.ErrUnknownProvider))
		require.Equal(t, 0, f.provider.LoginCalls())
	})

	t.Run("disabled provider fails fast", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		f.provider.Disabled = true
		_, err := f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrProviderDisabled))
		require.Equal(t, 0, f.provider.LoginCalls())
		require.Nil(t, f.store.Current())
	})

	t.Run("cancelled", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		f.provider.LoginFunc = func(context.Context) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrAuthCancelled, "user closed the browser")
		}
		_, err := f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrAuthCancelled))
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		require.Nil(t, f.store.Current())
	})

	t.Run("rejected login keeps an existing session", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		_, err := f.manager.EnsureValidSession(ctx)
		require.NoError(t, err)

		f.provider.LoginFunc = func(context.Context) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrAuthDenied, "consent_required")
		}
		_, err = f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrAuthDenied))
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
		require.Equal(t, "A1", f.store.Current().AccessToken)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		f.provider.LoginFunc = func(context.Context) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrProviderUnavailable, "discovery")
		}
		_, err := f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrProviderUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
	})

	t.Run("storage failure", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		f.store.FailSave(errors.Wrapf(errors.ErrStorageUnavailable, "locked keychain"))
		_, err := f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrStorageUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
	})

	t.Run("login times out as cancelled", func(t *testing.T) {
		f := setupTestFixture(t, nil, session.WithLoginTimeout(10*time.Millisecond))
		f.provider.LoginFunc = func(ctx context.Context) (*token.Record, error) {
			<-ctx.Done()
			return nil, errors.Mark(ctx.Err(), errors.ErrAuthCancelled)
		}
		_, err := f.manager.Login(ctx, "azure")
		require.True(t, errors.Is(err, errors.ErrAuthCancelled))
	})

	t.Run("auth response from a deep link", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		r, err := f.manager.HandleAuthResponse(ctx, "azure", "sentinel:///auth?code=deeplink&state=s1")
		require.NoError(t, err)
		require.Equal(t, "deeplink", r.AccessToken)
		require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
	})

	t.Run("invalid auth response", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		f.provider.HandleFunc = func(context.Context, providers.AuthResponse) (*token.Record, error) {
			return nil, errors.Wrapf(errors.ErrInvalidResponse, "unknown state")
		}
		_, err := f.manager.HandleAuthResponse(ctx, "azure", "sentinel:///auth?code=x&state=forged")
		require.True(t, errors.Is(err, errors.ErrInvalidResponse))
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
	})
}

func TestLogout(t *testing.T) {
	ctx := context.Background()

	t.Run("clears even when the provider call fails", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		f.provider.LogoutErr = errors.New("network down")

		require.NoError(t, f.manager.Logout(ctx))
		require.Nil(t, f.store.Current())
		require.Equal(t, session.StatusUnauthenticated, f.manager.State().Status)
		require.Equal(t, 1, f.provider.LogoutCalls())
	})

	t.Run("clears when the provider is unknown", func(t *testing.T) {
		stored := record("A1", "R1", testNow.Add(time.Hour))
		stored.Provider = "okta"
		f := setupTestFixture(t, stored)

		require.NoError(t, f.manager.Logout(ctx))
		require.Nil(t, f.store.Current())
	})

	t.Run("logged out already", func(t *testing.T) {
		f := setupTestFixture(t, nil)
		require.NoError(t, f.manager.Logout(ctx))
		require.Equal(t, 0, f.provider.LogoutCalls())
	})

	t.Run("clear failure", func(t *testing.T) {
		f := setupTestFixture(t, record("A1", "R1", testNow.Add(time.Hour)))
		f.store.FailClear(errors.Wrapf(errors.ErrStorageUnavailable, "locked keychain"))

		err := f.manager.Logout(ctx)
		require.True(t, errors.Is(err, errors.ErrStorageUnavailable))
		require.Equal(t, session.StatusError, f.manager.State().Status)
	})
}

func TestRetry(t *testing.T) {
	f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
	f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "offline")
	}
	_, err := f.manager.EnsureValidSession(context.Background())
	require.Error(t, err)
	require.Equal(t, session.StatusError, f.manager.State().Status)

	f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
		return record("A2", "R2", testNow.Add(time.Hour)), nil
	}
	r, err := f.manager.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A2", r.AccessToken)
	require.Equal(t, session.StatusAuthenticated, f.manager.State().Status)
}

func TestSubscribe(t *testing.T) {
	f := setupTestFixture(t, nil)
	states, unsubscribe := f.manager.Subscribe()

	initial := <-states
	require.Equal(t, session.StatusUnauthenticated, initial.Status)

	_, err := f.manager.Login(context.Background(), "azure")
	require.NoError(t, err)
	require.NoError(t, f.manager.Logout(context.Background()))
	_, err = f.manager.Login(context.Background(), "azure")
	require.NoError(t, err)

	latest := <-states
	require.Equal(t, session.StatusAuthenticated, latest.Status)
	require.Equal(t, "login", latest.Token.AccessToken)

	select {
	case s := <-states:
		t.Fatalf("unexpected queued state %s", s.Status)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-states
	require.False(t, open)
}

func TestRefreshingState(t *testing.T) {
	f := setupTestFixture(t, record("A1", "R1", testNow.Add(-time.Minute)))
	states, unsubscribe := f.manager.Subscribe()
	defer unsubscribe()
	require.Equal(t, session.StatusUnauthenticated, (<-states).Status)

	var during, published session.State
	f.provider.RefreshFunc = func(context.Context, *token.Record) (*token.Record, error) {
		during = f.manager.State()
		published = <-states
		return record("A2", "R2", testNow.Add(time.Hour)), nil
	}

	r, err := f.manager.EnsureValidSession(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A2", r.AccessToken)

	require.Equal(t, session.StatusRefreshing, during.Status)
	require.Equal(t, "A1", during.Token.AccessToken)
	require.Equal(t, session.StatusRefreshing, published.Status)
	require.Equal(t, "A1", published.Token.AccessToken)

	after := <-states
	require.Equal(t, session.StatusAuthenticated, after.Status)
	require.Equal(t, "A2", after.Token.AccessToken)
}
