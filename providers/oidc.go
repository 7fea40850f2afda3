package providers

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/sentinel-auth/authflow"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// discovery is the cached result of the provider's discovery document.
type discovery struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    *oauth2.Config
	meta     Metadata
}

// logoutFunc notifies the provider that the session ended.
type logoutFunc func(ctx context.Context, p *oidcProvider, d *discovery, r *token.Record) error

// oidcProvider implements Provider for any OpenID Connect issuer. Variants differ by
// issuer, extra authorization parameters and the logout call.
type oidcProvider struct {
	cfg        Config
	deps       Deps
	issuer     string
	authParams []oauth2.AuthCodeOption
	logout     logoutFunc
	invalid    error

	mu        sync.RWMutex
	discovery *discovery
}

func newOIDCProvider(cfg Config, deps Deps, issuer string, invalid error) *oidcProvider {
	deps = deps.withDefaults()
	if invalid == nil {
		invalid = cfg.Validate()
	}
	return &oidcProvider{cfg: cfg, deps: deps, issuer: issuer, invalid: invalid}
}

func (p *oidcProvider) ID() string     { return p.cfg.ID }
func (p *oidcProvider) Enabled() bool  { return p.invalid == nil }
func (p *oidcProvider) Config() Config { return p.cfg }

func (p *oidcProvider) logger() *zerolog.Logger {
	l := p.deps.Logger.With().Str("provider", p.cfg.ID).Logger()
	return &l
}

func (p *oidcProvider) Metadata(ctx context.Context) (Metadata, error) {
	if !p.Enabled() {
		return Metadata{}, errors.Wrapf(errors.Mark(p.invalid, errors.ErrProviderDisabled), "[providers Metadata]")
	}
	d, err := p.discover(ctx)
	if err != nil {
		return Metadata{}, err
	}
	return d.meta, nil
}

// discover fetches and caches the discovery document. Failures are not cached.
func (p *oidcProvider) discover(ctx context.Context) (*discovery, error) {
	p.mu.RLock()
	d := p.discovery
	p.mu.RUnlock()
	if d != nil {
		return d, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if p.discovery != nil {
		return p.discovery, nil
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), p.issuer)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrProviderUnavailable), "[providers discover] %s", p.issuer)
	}

	var extra struct {
		EndSession string `json:"end_session_endpoint"`
		Revocation string `json:"revocation_endpoint"`
		JWKSURI    string `json:"jwks_uri"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrProviderUnavailable), "[providers discover] claims")
	}

	endpoint := provider.Endpoint()
	// Public clients send client_id in the body; fixing the style avoids a second
	// request per failure from auth style auto-detection.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	d = &discovery{
		provider: provider,
		verifier: provider.VerifierContext(p.clientContext(context.WithoutCancel(ctx)), &oidc.Config{
			ClientID: p.cfg.ClientID,
			Now:      p.deps.Now,
		}),
		oauth: &oauth2.Config{
			ClientID:     p.cfg.ClientID,
			ClientSecret: p.cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  p.cfg.RedirectURL(),
			Scopes:       p.cfg.Scopes,
		},
		meta: Metadata{
			Issuer:                p.issuer,
			AuthorizationEndpoint: endpoint.AuthURL,
			TokenEndpoint:         endpoint.TokenURL,
			JWKSURI:               extra.JWKSURI,
			EndSessionEndpoint:    extra.EndSession,
			RevocationEndpoint:    extra.Revocation,
			ClientID:              p.cfg.ClientID,
		},
	}
	p.discovery = d
	p.logger().Debug().Str("issuer", p.issuer).Msg("discovery document loaded")
	return d, nil
}

func (p *oidcProvider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, p.deps.HTTPClient)
}

func (p *oidcProvider) Login(ctx context.Context) (*token.Record, error) {
	if !p.Enabled() {
		p.logger().Warn().Err(p.invalid).Msg("login requested on a disabled provider")
		return nil, nil
	}
	if p.deps.Prompter == nil {
		return nil, errors.Wrapf(errors.ErrUnsupportedRedirect, "[providers Login] no user agent configured")
	}

	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	state := randomString()
	flow := &authflow.Flow{
		ProviderID:  p.cfg.ID,
		Verifier:    oauth2.GenerateVerifier(),
		Nonce:       randomString(),
		RedirectURL: d.oauth.RedirectURL,
		CreatedAt:   p.deps.Now(),
	}
	if err := p.deps.Flows.Save(state, flow); err != nil {
		return nil, errors.Wrapf(err, "[providers Login]")
	}

	opts := append([]oauth2.AuthCodeOption{
		oauth2.S256ChallengeOption(flow.Verifier),
		oidc.Nonce(flow.Nonce),
	}, p.authParams...)
	authURL := d.oauth.AuthCodeURL(state, opts...)

	p.logger().Info().Stringer("flow", flow.ID).Str("redirect_url", flow.RedirectURL).Msg("waiting for user to authenticate")
	callback, err := p.deps.Prompter.Prompt(ctx, authURL, flow.RedirectURL)
	if err != nil {
		_, _ = p.deps.Flows.Take(state)
		if ctx.Err() != nil {
			return nil, errors.Wrapf(errors.Mark(ctx.Err(), errors.ErrAuthCancelled), "[providers Login]")
		}
		return nil, errors.Wrapf(err, "[providers Login]")
	}

	resp, err := ParseAuthResponse(callback)
	if err != nil {
		_, _ = p.deps.Flows.Take(state)
		return nil, err
	}
	return p.HandleAuthResponse(ctx, resp)
}

func (p *oidcProvider) HandleAuthResponse(ctx context.Context, resp AuthResponse) (*token.Record, error) {
	if !p.Enabled() {
		return nil, errors.Wrapf(errors.Mark(p.invalid, errors.ErrProviderDisabled), "[providers HandleAuthResponse]")
	}

	if resp.Error != "" {
		// The pending flow can never complete.
		if resp.State != "" {
			_, _ = p.deps.Flows.Take(resp.State)
		}
		if resp.Cancelled() {
			return nil, errors.Wrapf(errors.ErrAuthCancelled, "[providers HandleAuthResponse] %s", resp.ErrorDescription)
		}
		return nil, errors.Wrapf(errors.ErrAuthDenied, "[providers HandleAuthResponse] %s: %s", resp.Error, resp.ErrorDescription)
	}
	if resp.Code == "" || resp.State == "" {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[providers HandleAuthResponse] missing code or state")
	}

	flow, err := p.deps.Flows.Take(resp.State)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidResponse), "[providers HandleAuthResponse] unknown state")
	}
	if flow.ProviderID != p.cfg.ID {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[providers HandleAuthResponse] flow %s belongs to provider %q", flow.ID, flow.ProviderID)
	}
	p.logger().Debug().Stringer("flow", flow.ID).Dur("age", p.deps.Now().Sub(flow.CreatedAt)).Msg("auth response matched pending flow")

	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := d.oauth.Exchange(p.clientContext(ctx), resp.Code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, errors.Wrapf(classifyTokenError(err, errors.ErrInvalidResponse), "[providers HandleAuthResponse] exchange")
	}

	rawIDToken, _ := tok.Extra("id_token").(string)
	if rawIDToken == "" {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[providers HandleAuthResponse] id_token missing")
	}
	idToken, err := d.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrInvalidResponse), "[providers HandleAuthResponse] verify id_token")
	}
	if idToken.Nonce != flow.Nonce {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[providers HandleAuthResponse] nonce mismatch")
	}

	r, err := token.FromOAuth2(tok, p.cfg.ID, p.cfg.Scopes)
	if err != nil {
		return nil, errors.Wrapf(err, "[providers HandleAuthResponse]")
	}
	p.logger().Info().Str("token", r.Key()).Time("expiry", r.Expiry).Msg("login completed")
	return r, nil
}

func (p *oidcProvider) Refresh(ctx context.Context, r *token.Record) (*token.Record, error) {
	if r == nil || !r.CanRefresh() {
		return nil, errors.Wrapf(errors.ErrRefreshTokenInvalid, "[providers Refresh] no refresh token")
	}
	if !p.Enabled() {
		return nil, errors.Wrapf(errors.Mark(p.invalid, errors.ErrProviderDisabled), "[providers Refresh]")
	}

	d, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	src := d.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: r.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, errors.Wrapf(classifyTokenError(err, errors.ErrRefreshTokenInvalid), "[providers Refresh]")
	}

	scopes := r.Scopes
	if len(scopes) == 0 {
		scopes = p.cfg.Scopes
	}
	next, err := token.FromOAuth2(tok, p.cfg.ID, scopes)
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrProviderUnavailable), "[providers Refresh]")
	}
	if next.RefreshToken == "" {
		next.RefreshToken = r.RefreshToken
	}
	if next.IDToken == "" {
		next.IDToken = r.IDToken
	}
	p.logger().Debug().Str("token", next.Key()).Time("expiry", next.Expiry).Msg("token refreshed")
	return next, nil
}

func (p *oidcProvider) Logout(ctx context.Context, r *token.Record) error {
	if !p.Enabled() {
		p.logger().Warn().Err(p.invalid).Msg("logout requested on a disabled provider")
		return nil
	}
	if r == nil || p.logout == nil {
		return nil
	}

	d, err := p.discover(ctx)
	if err == nil {
		err = p.logout(ctx, p, d, r)
	}
	if err != nil {
		p.logger().Warn().Err(err).Msg("remote logout failed, local session is cleared anyway")
	}
	return nil
}

// classifyTokenError maps token endpoint failures. OAuth error responses in the 4xx
// range are the client's fault and become clientErr; server errors, throttling and
// transport failures are treated as transient.
func classifyTokenError(err error, clientErr error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch status := re.Response.StatusCode; {
		case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
			return errors.Mark(err, errors.ErrProviderUnavailable)
		case status >= 400:
			return errors.Mark(err, clientErr)
		}
	}
	return errors.Mark(err, errors.ErrProviderUnavailable)
}

func randomString() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
