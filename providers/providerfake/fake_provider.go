package providerfake

import (
	"context"
	"sync"
	"time"

	"github.com/jrsteele09/sentinel-auth/providers"
	"github.com/jrsteele09/sentinel-auth/token"
)

var _ providers.Provider = (*FakeProvider)(nil)

// FakeProvider is a scriptable Provider. Unset funcs fall back to simple defaults:
// Refresh returns a record valid for an hour, Login returns one as well.
type FakeProvider struct {
	Cfg      providers.Config
	Disabled bool

	LoginFunc    func(ctx context.Context) (*token.Record, error)
	HandleFunc   func(ctx context.Context, resp providers.AuthResponse) (*token.Record, error)
	RefreshFunc  func(ctx context.Context, r *token.Record) (*token.Record, error)
	LogoutErr    error
	RefreshDelay time.Duration

	mu           sync.Mutex
	refreshCalls int
	loginCalls   int
	logoutCalls  int
	refreshed    []*token.Record
}

func NewFakeProvider(id string) *FakeProvider {
	return &FakeProvider{Cfg: providers.Config{
		ID:       id,
		ClientID: "fake-client",
		Scopes:   []string{"openid", "offline_access"},
		Scheme:   "sentinel",
		Path:     "auth",
	}}
}

func (p *FakeProvider) ID() string               { return p.Cfg.ID }
func (p *FakeProvider) Enabled() bool            { return !p.Disabled }
func (p *FakeProvider) Config() providers.Config { return p.Cfg }

func (p *FakeProvider) Metadata(context.Context) (providers.Metadata, error) {
	return providers.Metadata{Issuer: "https://fake.invalid", ClientID: p.Cfg.ClientID}, nil
}

func (p *FakeProvider) Login(ctx context.Context) (*token.Record, error) {
	p.mu.Lock()
	p.loginCalls++
	p.mu.Unlock()
	if p.Disabled {
		return nil, nil
	}
	if p.LoginFunc != nil {
		return p.LoginFunc(ctx)
	}
	return p.record("login"), nil
}

func (p *FakeProvider) HandleAuthResponse(ctx context.Context, resp providers.AuthResponse) (*token.Record, error) {
	if p.HandleFunc != nil {
		return p.HandleFunc(ctx, resp)
	}
	return p.record(resp.Code), nil
}

func (p *FakeProvider) Refresh(ctx context.Context, r *token.Record) (*token.Record, error) {
	p.mu.Lock()
	p.refreshCalls++
	p.refreshed = append(p.refreshed, r)
	p.mu.Unlock()

	if p.RefreshDelay > 0 {
		select {
		case <-time.After(p.RefreshDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.RefreshFunc != nil {
		return p.RefreshFunc(ctx, r)
	}
	return p.record("refreshed"), nil
}

func (p *FakeProvider) Logout(context.Context, *token.Record) error {
	p.mu.Lock()
	p.logoutCalls++
	p.mu.Unlock()
	// Providers swallow remote failures; LogoutErr lets tests check the caller does too.
	return p.LogoutErr
}

func (p *FakeProvider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

func (p *FakeProvider) LoginCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loginCalls
}

func (p *FakeProvider) LogoutCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.logoutCalls
}

// Refreshed returns the records passed to Refresh, in call order.
func (p *FakeProvider) Refreshed() []*token.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*token.Record(nil), p.refreshed...)
}

func (p *FakeProvider) record(access string) *token.Record {
	return &token.Record{
		AccessToken:  access,
		RefreshToken: access + "-refresh",
		TokenType:    token.DefaultTokenType,
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scopes:       p.Cfg.Scopes,
		Provider:     p.Cfg.ID,
	}
}
