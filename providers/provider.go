// Package providers talks to OpenID Connect identity providers on behalf of the
// session manager. Each provider owns its protocol details; the session manager only
// sees the Provider interface and the error taxonomy.
package providers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/sentinel-auth/authflow"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/jrsteele09/sentinel-auth/useragent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Provider is one identity provider. Implementations are safe for concurrent use.
type Provider interface {
	ID() string
	// Enabled is false when required configuration is missing.
	Enabled() bool
	Config() Config
	// Metadata returns the provider's discovered endpoints.
	Metadata(ctx context.Context) (Metadata, error)
	// Login runs the interactive authorization-code flow. A disabled provider logs a
	// warning and returns a nil record and nil error.
	Login(ctx context.Context) (*token.Record, error)
	// HandleAuthResponse completes a flow started by Login from the callback parameters.
	HandleAuthResponse(ctx context.Context, resp AuthResponse) (*token.Record, error)
	Refresh(ctx context.Context, r *token.Record) (*token.Record, error)
	// Logout notifies the provider, best effort. Remote failures are logged, not returned.
	Logout(ctx context.Context, r *token.Record) error
}

// Metadata are the endpoints a provider publishes through discovery.
type Metadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	EndSessionEndpoint    string
	RevocationEndpoint    string
	ClientID              string
}

// Deps are the collaborators shared by all providers.
type Deps struct {
	Flows      authflow.Repo
	Prompter   useragent.Prompter
	HTTPClient *http.Client
	Logger     *zerolog.Logger
	Now        func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Flows == nil {
		d.Flows = authflow.NewInMemoryRepo(authflow.DefaultTTL)
	}
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Logger == nil {
		d.Logger = &log.Logger
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// AuthResponse carries the parameters the provider redirected back with.
type AuthResponse struct {
	Code             string
	State            string
	Error            string
	ErrorSubcode     string
	ErrorDescription string
}

// Cancelled reports whether the user backed out of the provider's page.
func (r AuthResponse) Cancelled() bool {
	return r.Error == "access_denied" && r.ErrorSubcode == "cancel"
}

// ParseAuthResponse reads callback parameters from the query string or, for
// fragment response modes, from the fragment.
func ParseAuthResponse(rawURL string) (AuthResponse, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return AuthResponse{}, errors.Wrapf(errors.Mark(err, errors.ErrInvalidResponse), "[providers ParseAuthResponse]")
	}
	values := u.Query()
	if values.Get("code") == "" && values.Get("error") == "" && u.Fragment != "" {
		values, err = url.ParseQuery(strings.TrimPrefix(u.Fragment, "?"))
		if err != nil {
			return AuthResponse{}, errors.Wrapf(errors.Mark(err, errors.ErrInvalidResponse), "[providers ParseAuthResponse] fragment")
		}
	}
	return AuthResponse{
		Code:             values.Get("code"),
		State:            values.Get("state"),
		Error:            values.Get("error"),
		ErrorSubcode:     values.Get("error_subcode"),
		ErrorDescription: values.Get("error_description"),
	}, nil
}
