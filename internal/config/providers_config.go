package config

import (
	"os"

	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	ProviderAzure  = "azure"
	ProviderGoogle = "google"
)

var (
	defaultAzureScopes  = []string{"openid", "profile", "email", "offline_access"}
	defaultGoogleScopes = []string{"openid", "profile", "email"}
)

// ProviderSettings are the raw, per-provider parameters as configured.
type ProviderSettings struct {
	TenantID     string   `yaml:"tenantId"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`
	Scheme       string   `yaml:"scheme"`
	Path         string   `yaml:"path"`
	RedirectHost string   `yaml:"redirectHost"`
	Issuer       string   `yaml:"issuer"`
}

// AuthSettings mirrors the auth configuration file: the active provider id and the
// settings of every known provider.
type AuthSettings struct {
	ActiveProvider string                      `yaml:"activeProvider"`
	Providers      map[string]ProviderSettings `yaml:"providers"`
}

type ProvidersConfig interface {
	GetAuthSettings() (AuthSettings, error)
}

type Providers struct{}

var _ ProvidersConfig = Providers{}

// GetAuthSettings reads AUTH_CONFIG_FILE when set, otherwise builds the settings from
// environment variables. Values missing from the file are filled from the environment.
func (Providers) GetAuthSettings() (AuthSettings, error) {
	settings := AuthSettings{Providers: map[string]ProviderSettings{}}

	if path := os.Getenv("AUTH_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AuthSettings{}, errors.Wrapf(err, "[config GetAuthSettings] read %s", path)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return AuthSettings{}, errors.Wrapf(errors.Mark(err, errors.ErrInvalidConfig), "[config GetAuthSettings] parse %s", path)
		}
		if settings.Providers == nil {
			settings.Providers = map[string]ProviderSettings{}
		}
	}

	if settings.ActiveProvider == "" {
		settings.ActiveProvider = GetEnv("AUTH_ACTIVE_PROVIDER", ProviderAzure)
	}
	settings.Providers[ProviderAzure] = withEnvDefaults(settings.Providers[ProviderAzure], ProviderSettings{
		TenantID: os.Getenv("AZURE_TENANT_ID"),
		ClientID: os.Getenv("AZURE_CLIENT_ID"),
		Scopes:   GetList("AZURE_SCOPES", defaultAzureScopes),
		Issuer:   os.Getenv("AZURE_ISSUER"),
	})
	settings.Providers[ProviderGoogle] = withEnvDefaults(settings.Providers[ProviderGoogle], ProviderSettings{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		Scopes:       GetList("GOOGLE_SCOPES", defaultGoogleScopes),
		Issuer:       os.Getenv("GOOGLE_ISSUER"),
	})

	return settings, nil
}

// withEnvDefaults fills empty fields of s from env and the shared redirect settings.
func withEnvDefaults(s, env ProviderSettings) ProviderSettings {
	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
		}
	}
	fill(&s.TenantID, env.TenantID)
	fill(&s.ClientID, env.ClientID)
	fill(&s.ClientSecret, env.ClientSecret)
	fill(&s.Issuer, env.Issuer)
	fill(&s.Scheme, GetEnv("AUTH_SCHEME", "sentinel"))
	fill(&s.Path, GetEnv("AUTH_PATH", "auth"))
	fill(&s.RedirectHost, GetEnv("AUTH_REDIRECT_HOST", "127.0.0.1:8765"))
	if len(s.Scopes) == 0 {
		s.Scopes = env.Scopes
	}
	return s
}
