package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
)

// Config is the full configuration surface, read from the environment.
type Config interface {
	EnvConfig
	OAuthConfig
	StorageConfig
	ProvidersConfig
}

type EnvConfig interface {
	GetAppName() string
	GetAPIURL() string
	GetLogLevel() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	OAuth
	Storage
	Providers
}

func New() Config {
	return mainConfig{}
}

// Load reads envFile (if non-empty) or ./.env (if present) into the process environment
// without overriding variables that are already set, then returns the configuration.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "[config Load] %s", envFile)
		}
		return New(), nil
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, errors.Wrapf(err, "[config Load] .env")
		}
	}
	return New(), nil
}
