package credstore

import (
	"context"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"
)

// KeyringStore keeps the record in the OS secret store (Keychain, Credential Manager,
// Secret Service) under service/token.StorageKey.
type KeyringStore struct {
	service string
	logger  zerolog.Logger
}

var _ Store = (*KeyringStore)(nil)

func NewKeyringStore(service string, logger zerolog.Logger) *KeyringStore {
	return &KeyringStore{service: service, logger: logger}
}

func (s *KeyringStore) Save(_ context.Context, r *token.Record) error {
	payload, err := token.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "[KeyringStore Save]")
	}
	if err := keyring.Set(s.service, token.StorageKey, string(payload)); err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[KeyringStore Save]")
	}
	return nil
}

func (s *KeyringStore) Load(_ context.Context) (*token.Record, error) {
	payload, err := keyring.Get(s.service, token.StorageKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[KeyringStore Load]")
	}
	return decode(s.logger, []byte(payload)), nil
}

func (s *KeyringStore) Clear(_ context.Context) error {
	err := keyring.Delete(s.service, token.StorageKey)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[KeyringStore Clear]")
}
