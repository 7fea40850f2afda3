package config

import (
	"os"
	"path/filepath"
)

const (
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

type StorageConfig interface {
	GetCredentialBackend() string
	GetCredentialService() string
	GetCredentialFile() string
	GetCredentialPassphrase() string
}

type Storage struct{}

var _ StorageConfig = Storage{}

func (Storage) GetCredentialBackend() string {
	return GetEnv("CREDENTIAL_BACKEND", BackendKeyring)
}

// GetCredentialService is the keyring service name the record is stored under
func (Storage) GetCredentialService() string {
	return GetEnv("CREDENTIAL_SERVICE", "sentinel")
}

func (Storage) GetCredentialFile() string {
	if f := os.Getenv("CREDENTIAL_FILE"); f != "" {
		return f
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "sentinel", "credentials.sealed")
}

func (Storage) GetCredentialPassphrase() string {
	return os.Getenv("CREDENTIAL_PASSPHRASE")
}
