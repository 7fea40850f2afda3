// Package credstore persists the single Token Record across process restarts.
//
// Every operation goes to the backend; nothing is cached in memory, so the stored value
// is always the source of truth. Unreadable or partial payloads load as absent. Backend
// I/O failures are reported as errors.ErrStorageUnavailable.
package credstore

import (
	"context"

	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/rs/zerolog"
)

// Store is durable, secure persistence for one Token Record.
type Store interface {
	// Save replaces any stored record. Readers never observe a partial write.
	Save(ctx context.Context, r *token.Record) error

	// Load returns the stored record, or nil when none exists or it cannot be parsed.
	Load(ctx context.Context) (*token.Record, error)

	// Clear removes the stored record. Clearing an empty store succeeds.
	Clear(ctx context.Context) error
}

// New returns the backend selected by configuration.
func New(cfg config.StorageConfig, logger zerolog.Logger) (Store, error) {
	switch backend := cfg.GetCredentialBackend(); backend {
	case config.BackendKeyring:
		return NewKeyringStore(cfg.GetCredentialService(), logger), nil
	case config.BackendFile:
		return NewFileStore(cfg.GetCredentialFile(), cfg.GetCredentialPassphrase(), logger)
	default:
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "[credstore New] unknown credential backend %q", backend)
	}
}

// decode turns a stored payload into a record, logging and discarding corrupt data.
func decode(logger zerolog.Logger, payload []byte) *token.Record {
	r, err := token.Unmarshal(payload)
	if err != nil {
		logger.Warn().Err(err).Msg("stored credentials are unreadable, treating as logged out")
		return nil
	}
	return r
}
