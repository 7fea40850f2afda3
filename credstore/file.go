package credstore

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/token"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealedVersion = 1
	saltLength    = 16

	// Argon2id parameters (RFC 9106 second recommended option).
	kdfTime    = 3
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// sealedFile is the on-disk envelope. Data is XChaCha20-Poly1305 ciphertext of the
// serialized record; the key is derived from the passphrase and Salt.
type sealedFile struct {
	Version int    `json:"v"`
	Salt    []byte `json:"salt"`
	Nonce   []byte `json:"nonce"`
	Data    []byte `json:"data"`
}

// FileStore keeps the record in a passphrase-sealed file, for hosts without an OS
// secret store. Writes replace the file atomically.
type FileStore struct {
	path       string
	passphrase []byte
	logger     zerolog.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path, passphrase string, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "[credstore NewFileStore] path is required")
	}
	if passphrase == "" {
		return nil, errors.Wrapf(errors.ErrInvalidConfig, "[credstore NewFileStore] passphrase is required")
	}
	return &FileStore{path: path, passphrase: []byte(passphrase), logger: logger}, nil
}

func (s *FileStore) Save(_ context.Context, r *token.Record) error {
	payload, err := token.Marshal(r)
	if err != nil {
		return errors.Wrapf(err, "[FileStore Save]")
	}

	sealed, err := s.seal(payload)
	if err != nil {
		return errors.Wrapf(err, "[FileStore Save] seal")
	}
	if err := writeFileAtomic(s.path, sealed); err != nil {
		return errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[FileStore Save]")
	}
	return nil
}

func (s *FileStore) Load(_ context.Context) (*token.Record, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[FileStore Load]")
	}

	payload, err := s.open(data)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("sealed credentials cannot be opened, treating as logged out")
		return nil, nil
	}
	return decode(s.logger, payload), nil
}

func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.Wrapf(errors.Mark(err, errors.ErrStorageUnavailable), "[FileStore Clear]")
}

func (s *FileStore) seal(payload []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(sealedFile{
		Version: sealedVersion,
		Salt:    salt,
		Nonce:   nonce,
		Data:    aead.Seal(nil, nonce, payload, []byte(token.StorageKey)),
	})
}

var errCorruptFile = errors.New("corrupt credential file")

func (s *FileStore) open(data []byte) ([]byte, error) {
	var sealed sealedFile
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, errors.Wrapf(err, "envelope")
	}
	if sealed.Version != sealedVersion {
		return nil, errors.Wrapf(errCorruptFile, "unsupported envelope version %d", sealed.Version)
	}
	aead, err := chacha20poly1305.NewX(s.deriveKey(sealed.Salt))
	if err != nil {
		return nil, err
	}
	if len(sealed.Nonce) != aead.NonceSize() {
		return nil, errors.Wrapf(errCorruptFile, "nonce length %d", len(sealed.Nonce))
	}
	return aead.Open(nil, sealed.Nonce, sealed.Data, []byte(token.StorageKey))
}

func (s *FileStore) deriveKey(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
}

// writeFileAtomic writes data to a temp file in the target directory and renames it
// over path, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
