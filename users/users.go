package users

import (
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/jrsteele09/sentinel-auth/internal/utils"
	"github.com/jrsteele09/sentinel-auth/token"
)

// RoleType is an application role carried in the "roles" claim
type RoleType string

const (
	RoleAdmin      RoleType = "ADMIN"
	RoleDeveloper  RoleType = "DESARROLLADOR" // Construction company / developer staff
	RoleContractor RoleType = "CONTRATISTA"   // Site contractor, reports progress
	RoleInvestor   RoleType = "INVERSIONISTA" // Read-only investor view
	RoleInspector  RoleType = "INSPECTOR"     // Validates reported progress
)

// DefaultRole is assigned when the token carries no roles.
const DefaultRole = RoleContractor

// User is the signed-in identity as projected from token claims.
type User struct {
	ID    string     `json:"id"`
	Email string     `json:"email"`
	Name  string     `json:"name"`
	Roles []RoleType `json:"roles"`
}

// Role returns the primary role.
func (u *User) Role() RoleType {
	if u == nil || len(u.Roles) == 0 {
		return DefaultRole
	}
	return u.Roles[0]
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role RoleType) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// FromClaims projects OIDC/Azure claims onto a User.
//   - id: oid, then sub
//   - email: email, then preferred_username
//   - name: name, then the local part of preferred_username
//   - roles: roles (string or list), defaulting to DefaultRole
func FromClaims(claims map[string]any) (*User, error) {
	str := func(key string) string {
		s, _ := claims[key].(string)
		return strings.TrimSpace(s)
	}

	u := &User{
		ID:    firstNonEmpty(str("oid"), str("sub")),
		Email: firstNonEmpty(str("email"), str("preferred_username")),
		Name:  str("name"),
	}
	if u.ID == "" {
		return nil, errors.Wrapf(errors.ErrInvalidResponse, "[users FromClaims] token has neither oid nor sub")
	}
	if u.Name == "" {
		if preferred := str("preferred_username"); preferred != "" {
			u.Name = strings.SplitN(preferred, "@", 2)[0]
		}
	}

	for _, r := range utils.ClaimStrings(claims["roles"]) {
		u.Roles = append(u.Roles, RoleType(r))
	}
	if len(u.Roles) == 0 {
		u.Roles = []RoleType{DefaultRole}
	}
	return u, nil
}

// FromJWT decodes the claims of a JWT without verifying its signature. Callers must only
// use this on tokens that were verified when they were obtained.
func FromJWT(raw string) (*User, error) {
	claims := jwtlib.MapClaims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, errors.Wrapf(err, "[users FromJWT]")
	}
	return FromClaims(claims)
}

// FromRecord derives the user from the record's id_token, falling back to the access
// token when the provider issues JWT access tokens.
func FromRecord(r *token.Record) (*User, error) {
	if r == nil {
		return nil, errors.Wrapf(errors.ErrNotAuthenticated, "[users FromRecord] nil record")
	}
	if r.IDToken != "" {
		if u, err := FromJWT(r.IDToken); err == nil {
			return u, nil
		}
	}
	return FromJWT(r.AccessToken)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
