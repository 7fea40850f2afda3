package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"golang.org/x/oauth2"
)

// DefaultTokenType is used when the provider omits token_type.
const DefaultTokenType = "Bearer"

// Record is the opaque credential bundle produced by a login or refresh exchange.
// A Record is replaced as a whole, never edited in place.
type Record struct {
	AccessToken  string    // Secret. Sent as the bearer credential
	RefreshToken string    // Secret. Optional, absent for providers that do not issue one
	IDToken      string    // OIDC id_token, used for logout hints and user claims
	TokenType    string    // Usually "Bearer"
	Expiry       time.Time // Absolute expiry of AccessToken
	Scopes       []string  // Scopes granted by the provider, in provider order
	Provider     string    // ID of the provider that issued the record
}

// Valid reports whether the record is complete. Partial records are treated as absent.
func (r *Record) Valid() bool {
	return r != nil && r.AccessToken != "" && !r.Expiry.IsZero()
}

// CanRefresh reports whether the record carries a refresh token.
func (r *Record) CanRefresh() bool {
	return r != nil && r.RefreshToken != ""
}

// ShouldRefresh reports whether less than skew of validity remains at now.
func (r *Record) ShouldRefresh(now time.Time, skew time.Duration) bool {
	return r.Expiry.Sub(now) <= skew
}

// Key identifies the record without exposing its secrets. Two records share a key
// only if they carry the same access and refresh tokens.
func (r *Record) Key() string {
	h := sha256.Sum256([]byte(r.AccessToken + "\x00" + r.RefreshToken))
	return hex.EncodeToString(h[:8])
}

// Type returns the token type, defaulting to Bearer.
func (r *Record) Type() string {
	if r.TokenType == "" {
		return DefaultTokenType
	}
	return r.TokenType
}

// AuthorizationHeader returns the value for the Authorization header.
func (r *Record) AuthorizationHeader() string {
	// Azure returns "Bearer", some providers "bearer"; APIs expect the canonical form.
	if strings.EqualFold(r.Type(), DefaultTokenType) {
		return DefaultTokenType + " " + r.AccessToken
	}
	return r.Type() + " " + r.AccessToken
}

// String redacts secrets so records can be logged.
func (r *Record) String() string {
	if r == nil {
		return "token.Record<nil>"
	}
	return fmt.Sprintf("token.Record{provider=%s type=%s expiry=%s key=%s refreshable=%t}",
		r.Provider, r.Type(), r.Expiry.UTC().Format(time.RFC3339), r.Key(), r.CanRefresh())
}

// ToOAuth2 converts the record for use with golang.org/x/oauth2.
func (r *Record) ToOAuth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.Type(),
		RefreshToken: r.RefreshToken,
		Expiry:       r.Expiry,
	}
}

// FromOAuth2 builds a Record from a token endpoint response. Granted scopes come from the
// response "scope" field when present, otherwise the requested scopes are assumed.
// A response without an expiry cannot form a complete record.
func FromOAuth2(tok *oauth2.Token, provider string, requested []string) (*Record, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[token FromOAuth2] missing access_token")
	}
	if tok.Expiry.IsZero() {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[token FromOAuth2] missing expires_in")
	}

	scopes := requested
	if granted, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(granted) != "" {
		scopes = strings.Fields(granted)
	}
	idToken, _ := tok.Extra("id_token").(string)

	return &Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		TokenType:    tok.Type(),
		Expiry:       tok.Expiry.UTC(),
		Scopes:       append([]string(nil), scopes...),
		Provider:     provider,
	}, nil
}
