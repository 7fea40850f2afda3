package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"golang.org/x/oauth2"
)

const googleIssuer = "https://accounts.google.com"

// NewGoogle returns a provider for Google accounts. Google only issues refresh tokens
// for offline access with explicit consent, so both are always requested.
func NewGoogle(cfg Config, deps Deps) Provider {
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = googleIssuer
	}

	p := newOIDCProvider(cfg, deps, issuer, nil)
	p.authParams = []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	}
	p.logout = googleRevoke
	return p
}

// googleRevoke revokes the refresh token, which also invalidates its access tokens.
func googleRevoke(ctx context.Context, p *oidcProvider, d *discovery, r *token.Record) error {
	if d.meta.RevocationEndpoint == "" {
		return nil
	}
	form := url.Values{}
	if r.RefreshToken != "" {
		form.Set("token", r.RefreshToken)
		form.Set("token_type_hint", "refresh_token")
	} else {
		form.Set("token", r.AccessToken)
		form.Set("token_type_hint", "access_token")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.meta.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrapf(err, "[providers googleRevoke]")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return doLogoutRequest(p.deps.HTTPClient, req)
}
