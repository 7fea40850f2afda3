package providers

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/sentinel-auth/internal/config"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/samber/lo"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the static description of one provider. It is loaded once and never
// mutated.
type Config struct {
	ID           string   `validate:"required"`
	TenantID     string   // Directory/tenant for multi-tenant providers
	ClientID     string   `validate:"required"`
	ClientSecret string   // Only for confidential or desktop clients
	Scopes       []string `validate:"required,min=1,dive,required"`
	Scheme       string   `validate:"required"`
	Path         string
	RedirectHost string `validate:"omitempty,hostname_port"`
	Issuer       string `validate:"omitempty,url"` // Overrides the provider's discovery base
}

// NewConfig builds a Config from configured settings. Scopes are de-duplicated,
// keeping their first occurrence.
func NewConfig(id string, s config.ProviderSettings) Config {
	return Config{
		ID:           id,
		TenantID:     s.TenantID,
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Scopes:       lo.Uniq(lo.Compact(s.Scopes)),
		Scheme:       s.Scheme,
		Path:         strings.Trim(s.Path, "/"),
		RedirectHost: s.RedirectHost,
		Issuer:       strings.TrimSuffix(s.Issuer, "/"),
	}
}

// Validate reports which required values are missing or malformed.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrapf(errors.Mark(err, errors.ErrInvalidConfig), "[providers Validate]")
	}
	fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		return fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
	})
	return errors.Wrapf(errors.ErrInvalidConfig, "[providers Validate] provider %q: invalid %s", c.ID, strings.Join(lo.Uniq(fields), ", "))
}

// IsLoopback reports whether the redirect is served by a local HTTP listener.
func (c Config) IsLoopback() bool {
	return c.Scheme == "http" || c.Scheme == "https"
}

// RedirectURL is the callback the provider sends the user back to. Web schemes use the
// loopback host; custom schemes use the native form scheme:///path.
func (c Config) RedirectURL() string {
	if c.IsLoopback() {
		return fmt.Sprintf("%s://%s/%s", c.Scheme, c.RedirectHost, c.Path)
	}
	return fmt.Sprintf("%s:///%s", c.Scheme, c.Path)
}

// HasScope reports whether scope was requested.
func (c Config) HasScope(scope string) bool {
	return lo.Contains(c.Scopes, scope)
}
