package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"golang.org/x/oauth2"
)

const azureAuthority = "https://login.microsoftonline.com"

// NewAzure returns a provider for Microsoft Entra ID (Azure AD) v2.0 endpoints.
func NewAzure(cfg Config, deps Deps) Provider {
	issuer := cfg.Issuer
	var invalid error
	if issuer == "" {
		if cfg.TenantID == "" {
			invalid = errors.Wrapf(errors.ErrInvalidConfig, "[providers NewAzure] provider %q: invalid TenantID (required)", cfg.ID)
		}
		issuer = fmt.Sprintf("%s/%s/v2.0", azureAuthority, cfg.TenantID)
	}
	if err := cfg.Validate(); err != nil {
		invalid = err
	}

	p := newOIDCProvider(cfg, deps, issuer, invalid)
	p.authParams = []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("prompt", "select_account"),
	}
	p.logout = azureEndSession
	return p
}

// azureEndSession calls the end-session endpoint with the id_token hint so the
// directory session ends too.
func azureEndSession(ctx context.Context, p *oidcProvider, d *discovery, r *token.Record) error {
	if d.meta.EndSessionEndpoint == "" {
		return nil
	}
	u, err := url.Parse(d.meta.EndSessionEndpoint)
	if err != nil {
		return errors.Wrapf(err, "[providers azureEndSession]")
	}
	q := u.Query()
	q.Set("client_id", p.cfg.ClientID)
	if r.IDToken != "" {
		q.Set("id_token_hint", r.IDToken)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "[providers azureEndSession]")
	}
	return doLogoutRequest(p.deps.HTTPClient, req)
}

func doLogoutRequest(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrProviderUnavailable), "[providers logout]")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusFound && resp.StatusCode != http.StatusSeeOther {
		return errors.Wrapf(errors.New(http.StatusText(resp.StatusCode)), "[providers logout] %s answered %d", req.URL.Host, resp.StatusCode)
	}
	return nil
}
