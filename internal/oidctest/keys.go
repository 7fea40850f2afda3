package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is the public half of an RSA signing key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type signingKey struct {
	id      string
	private *rsa.PrivateKey
}

func newSigningKey() (*signingKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrapf(err, "[oidctest newSigningKey] generate RSA key")
	}
	return &signingKey{id: uuid.NewString(), private: private}, nil
}

func (k *signingKey) jwk() JWK {
	pub := k.private.PublicKey
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: k.id,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func (k *signingKey) sign(claims jwtlib.MapClaims) (string, error) {
	t := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	t.Header["kid"] = k.id
	signed, err := t.SignedString(k.private)
	if err != nil {
		return "", errors.Wrapf(err, "[oidctest sign]")
	}
	return signed, nil
}
