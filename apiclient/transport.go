// Package apiclient calls the Sentinel business API with the session's bearer token.
package apiclient

import (
	"context"
	"net/http"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Session is the part of the session manager the transport needs.
type Session interface {
	EnsureValidSession(ctx context.Context) (*token.Record, error)
	Logout(ctx context.Context) error
}

// Transport attaches the current access token to every request. A 401 or 403 answer
// ends the session; the response is returned unchanged and never retried.
type Transport struct {
	Session Session
	Base    http.RoundTripper
	Logger  *zerolog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	r, err := t.Session.EnsureValidSession(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "[apiclient RoundTrip]")
	}
	if r == nil {
		return nil, errors.Wrapf(errors.ErrNotAuthenticated, "[apiclient RoundTrip] %s %s", req.Method, req.URL.Path)
	}

	authed := req.Clone(ctx)
	authed.Header.Set("Authorization", r.AuthorizationHeader())

	resp, err := t.base().RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.logger().Warn().Int("status", resp.StatusCode).Str("path", req.URL.Path).Msg("API rejected the token, logging out")
		if err := t.Session.Logout(context.WithoutCancel(ctx)); err != nil {
			t.logger().Error().Err(err).Msg("logout after rejected token failed")
		}
	}
	return resp, nil
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) logger() *zerolog.Logger {
	if t.Logger == nil {
		return &log.Logger
	}
	return t.Logger
}
