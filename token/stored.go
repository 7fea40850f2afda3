package token

import (
	"encoding/json"
	"time"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
)

// StorageKey is the single secure key that holds the serialized Record.
const StorageKey = "auth-token"

// ErrInvalidRecord is returned by Unmarshal for payloads that do not form a complete Record.
var ErrInvalidRecord = errors.New("invalid token record")

// storedRecord is the persisted layout of a Record. Field names follow the RFC 6749
// token response, with the expiry kept as an absolute instant instead of expires_in.
type storedRecord struct {
	// AccessToken is the bearer credential.
	AccessToken string `json:"access_token"`

	// RefreshToken is omitted when the provider did not issue one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// IDToken is the OIDC id_token from the last exchange.
	IDToken string `json:"id_token,omitempty"`

	TokenType string `json:"token_type,omitempty"`

	// Expiry is an RFC 3339 instant in UTC.
	Expiry *time.Time `json:"expiry,omitempty"`

	Scope    []string `json:"scope,omitempty"`
	Provider string   `json:"provider,omitempty"`
}

// Marshal serializes a complete Record.
func Marshal(r *Record) ([]byte, error) {
	if !r.Valid() {
		return nil, errors.Wrapf(ErrInvalidRecord, "[token Marshal] refusing to store partial record")
	}
	expiry := r.Expiry.UTC()
	return json.Marshal(storedRecord{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		IDToken:      r.IDToken,
		TokenType:    r.TokenType,
		Expiry:       &expiry,
		Scope:        r.Scopes,
		Provider:     r.Provider,
	})
}

// Unmarshal parses a stored payload. Unparsable or partial payloads yield ErrInvalidRecord.
func Unmarshal(data []byte) (*Record, error) {
	var stored storedRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrInvalidRecord), "[token Unmarshal]")
	}
	if stored.Expiry == nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "[token Unmarshal] missing expiry")
	}

	r := &Record{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		IDToken:      stored.IDToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry.UTC(),
		Provider:     stored.Provider,
	}
	if len(stored.Scope) > 0 {
		r.Scopes = stored.Scope
	}
	if !r.Valid() {
		return nil, errors.Wrapf(ErrInvalidRecord, "[token Unmarshal] missing access_token")
	}
	return r, nil
}
