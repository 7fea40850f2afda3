package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/sentinel-auth/authflow"
	"github.com/jrsteele09/sentinel-auth/credstore/storefake"
	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/oidctest"
	"github.com/jrsteele09/sentinel-auth/providers"
	"github.com/jrsteele09/sentinel-auth/session"
	"github.com/jrsteele09/sentinel-auth/users"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSessionAgainstIdentityProvider(t *testing.T) {
	idp := oidctest.New(t, "sentinel-client")
	logger := zerolog.Nop()
	deps := providers.Deps{
		Flows:    authflow.NewInMemoryRepo(time.Minute),
		Prompter: idp,
		Logger:   &logger,
	}
	registry, err := providers.FromConfig(config.AuthSettings{
		ActiveProvider: config.ProviderAzure,
		Providers: map[string]config.ProviderSettings{
			config.ProviderAzure: {
				ClientID:     "sentinel-client",
				Scopes:       []string{"openid", "profile", "email", "offline_access"},
				Scheme:       "http",
				Path:         "auth",
				RedirectHost: "127.0.0.1:8765",
				Issuer:       idp.Issuer(),
			},
		},
	}, deps)
	require.NoError(t, err)

	var clockMu sync.Mutex
	offset := time.Duration(0)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return time.Now().Add(offset)
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		defer clockMu.Unlock()
		offset += d
	}

	store := storefake.NewFakeStore()
	manager := session.New(store, registry,
		session.WithClock(clock),
		session.WithLogger(&logger),
		session.WithRetry(2, time.Millisecond),
	)
	ctx := context.Background()

	login, err := manager.LoginActive(ctx)
	require.NoError(t, err)
	require.Equal(t, config.ProviderAzure, login.Provider)

	state := manager.State()
	require.Equal(t, session.StatusAuthenticated, state.Status)
	require.NotNil(t, state.User)
	require.Equal(t, users.RoleInspector, state.User.Role())

	// Fresh: no token endpoint traffic.
	r, err := manager.EnsureValidSession(ctx)
	require.NoError(t, err)
	require.Equal(t, login.AccessToken, r.AccessToken)
	require.Equal(t, 0, idp.RefreshCalls())

	// Inside the skew window: concurrent callers share one refresh.
	advance(55 * time.Minute)
	idp.SetAccessTTL(2 * time.Hour)
	idp.SetRefreshDelay(50 * time.Millisecond)
	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := manager.EnsureValidSession(ctx)
			if err == nil && rec != nil {
				tokens[i] = rec.AccessToken
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, idp.RefreshCalls())
	for _, tok := range tokens {
		require.NotEmpty(t, tok)
		require.NotEqual(t, login.AccessToken, tok)
		require.Equal(t, tokens[0], tok)
	}
	require.Equal(t, tokens[0], store.Current().AccessToken)
	require.NotEqual(t, login.RefreshToken, store.Current().RefreshToken)

	// Revoked at the provider: the session ends.
	idp.RevokeAll()
	advance(time.Hour)
	r, err = manager.EnsureValidSession(ctx)
	require.NoError(t, err)
	require.Nil(t, r)
	require.Nil(t, store.Current())
	require.Equal(t, session.StatusUnauthenticated, manager.State().Status)

	// Log in again and out; end-session is called with the id token hint.
	login, err = manager.Login(ctx, config.ProviderAzure)
	require.NoError(t, err)
	require.NoError(t, manager.Logout(ctx))
	require.Nil(t, store.Current())
	calls := idp.EndSessionCalls()
	require.Len(t, calls, 1)
	require.Equal(t, login.IDToken, calls[0].Get("id_token_hint"))
}
