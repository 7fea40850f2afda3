// Package oidctest runs an in-process OpenID Connect identity provider for tests. It
// implements discovery, JWKS, the authorization endpoint (auto-approving), the token
// endpoint with the authorization_code and refresh_token grants, end-session and
// revocation, and lets tests inject failures.
package oidctest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/sentinel-auth/internal/errors"
	"github.com/stretchr/testify/require"
)

const (
	DiscoveryPath = "/.well-known/openid-configuration"
	JWKSPath      = "/keys"
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	LogoutPath    = "/logout"
	RevokePath    = "/revoke"
)

// RefreshFailure selects how the token endpoint answers refresh_token grants.
type RefreshFailure int

const (
	RefreshOK RefreshFailure = iota
	// RefreshRevoked answers 400 invalid_grant.
	RefreshRevoked
	// RefreshUnavailable answers 503 temporarily_unavailable.
	RefreshUnavailable
)

type codeGrant struct {
	clientID    string
	redirectURI string
	challenge   string
	nonce       string
	scope       string
}

// Server is a fake identity provider. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	ClientID string

	key *signingKey

	mu             sync.Mutex
	claims         map[string]any
	accessTTL      time.Duration
	rotate         bool
	refreshFailure RefreshFailure
	refreshDelay   time.Duration
	logoutStatus   int
	denyError      string
	denySubcode    string
	codes          map[string]codeGrant
	refreshTokens  map[string]string

	refreshCalls    int
	exchangeCalls   int
	endSessionCalls []url.Values
	revokeCalls     []url.Values
}

// New starts a server for clientID and stops it when the test ends.
func New(t testing.TB, clientID string) *Server {
	t.Helper()

	key, err := newSigningKey()
	require.NoError(t, err)

	s := &Server{
		ClientID: clientID,
		key:      key,
		claims: map[string]any{
			"sub":                "subject-1",
			"oid":                "00000000-0000-0000-0000-000000000001",
			"email":              "ana@sentinel.test",
			"name":               "Ana Torres",
			"preferred_username": "ana@sentinel.test",
			"roles":              []string{"INSPECTOR"},
		},
		accessTTL:     time.Hour,
		rotate:        true,
		codes:         map[string]codeGrant{},
		refreshTokens: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, s.discoveryHandler)
	mux.HandleFunc(JWKSPath, s.jwksHandler)
	mux.HandleFunc(AuthorizePath, s.authorizeHandler)
	mux.HandleFunc(TokenPath, s.tokenHandler)
	mux.HandleFunc(LogoutPath, s.logoutHandler)
	mux.HandleFunc(RevokePath, s.revokeHandler)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Issuer is the issuer identifier and discovery base.
func (s *Server) Issuer() string {
	return s.URL
}

// SetClaims replaces the identity claims placed in issued tokens.
func (s *Server) SetClaims(claims map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims = claims
}

// SetAccessTTL changes the lifetime of issued access tokens.
func (s *Server) SetAccessTTL(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = d
}

// SetRotateRefreshTokens controls whether refresh grants return a new refresh token.
// When false the response omits refresh_token.
func (s *Server) SetRotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotate = rotate
}

func (s *Server) SetRefreshFailure(f RefreshFailure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFailure = f
}

// SetRefreshDelay holds every refresh_token grant for d before answering.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// SetLogoutStatus makes end-session and revocation answer with status.
func (s *Server) SetLogoutStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logoutStatus = status
}

// SetDenial makes the authorization endpoint redirect back with an error instead of a code.
func (s *Server) SetDenial(errCode, subcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denyError = errCode
	s.denySubcode = subcode
}

// MintRefreshToken registers and returns a refresh token the token endpoint accepts.
func (s *Server) MintRefreshToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mintRefreshTokenLocked("openid profile email offline_access")
}

// MintAccessToken returns a signed access token expiring at exp.
func (s *Server) MintAccessToken(exp time.Time) string {
	s.mu.Lock()
	claims := s.claimsLocked()
	s.mu.Unlock()
	signed, err := s.accessToken(claims, "openid", exp)
	if err != nil {
		panic(err)
	}
	return signed
}

// MintIDToken returns a signed id_token for the configured claims.
func (s *Server) MintIDToken(nonce string) string {
	s.mu.Lock()
	claims := s.claimsLocked()
	ttl := s.accessTTL
	s.mu.Unlock()
	signed, err := s.idToken(claims, nonce, time.Now().Add(ttl))
	if err != nil {
		panic(err)
	}
	return signed
}

// RevokeAll invalidates every refresh token issued so far.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = map[string]string{}
}

func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

func (s *Server) ExchangeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeCalls
}

// EndSessionCalls returns the query of every end-session request.
func (s *Server) EndSessionCalls() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.endSessionCalls...)
}

// RevokeCalls returns the form of every revocation request.
func (s *Server) RevokeCalls() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.revokeCalls...)
}

// Prompt plays the user agent: it follows the authorization URL and returns the
// redirect the server answers with, without contacting the redirect target.
func (s *Server) Prompt(ctx context.Context, authURL, _ string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return "", errors.Wrapf(errors.ErrInvalidResponse, "[oidctest Prompt] authorize answered %d", resp.StatusCode)
	}
	return resp.Header.Get("Location"), nil
}

func (s *Server) discoveryHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := s.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + AuthorizePath,
		"token_endpoint":                        issuer + TokenPath,
		"jwks_uri":                              issuer + JWKSPath,
		"end_session_endpoint":                  issuer + LogoutPath,
		"revocation_endpoint":                   issuer + RevokePath,
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
	})
}

func (s *Server) jwksHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, JWKS{Keys: []JWK{s.key.jwk()}})
}

func (s *Server) authorizeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != s.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	denyError, denySubcode := s.denyError, s.denySubcode
	s.mu.Unlock()

	params := url.Values{}
	params.Set("state", q.Get("state"))
	if denyError != "" {
		params.Set("error", denyError)
		params.Set("error_description", "the request was not approved")
		if denySubcode != "" {
			params.Set("error_subcode", denySubcode)
		}
	} else {
		if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
			http.Error(w, "PKCE S256 required", http.StatusBadRequest)
			return
		}
		code := randomString()
		s.mu.Lock()
		s.codes[code] = codeGrant{
			clientID:    q.Get("client_id"),
			redirectURI: redirectURI,
			challenge:   q.Get("code_challenge"),
			nonce:       q.Get("nonce"),
			scope:       q.Get("scope"),
		}
		s.mu.Unlock()
		params.Set("code", code)
	}

	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (s *Server) tokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, "invalid_request", "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		s.exchangeCode(w, r.PostForm)
	case "refresh_token":
		s.refresh(w, r.PostForm)
	default:
		writeOAuthError(w, "unsupported_grant_type", "", http.StatusBadRequest)
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	s.exchangeCalls++
	grant, ok := s.codes[form.Get("code")]
	delete(s.codes, form.Get("code"))
	s.mu.Unlock()

	switch {
	case !ok:
		writeOAuthError(w, "invalid_grant", "unknown authorization code", http.StatusBadRequest)
		return
	case grant.redirectURI != form.Get("redirect_uri"):
		writeOAuthError(w, "invalid_grant", "redirect_uri mismatch", http.StatusBadRequest)
		return
	case s256(form.Get("code_verifier")) != grant.challenge:
		writeOAuthError(w, "invalid_grant", "code_verifier mismatch", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	refreshToken := s.mintRefreshTokenLocked(grant.scope)
	claims := s.claimsLocked()
	ttl := s.accessTTL
	s.mu.Unlock()

	s.writeTokens(w, claims, grant.nonce, grant.scope, refreshToken, ttl)
}

func (s *Server) refresh(w http.ResponseWriter, form url.Values) {
	s.mu.Lock()
	s.refreshCalls++
	delay, failure, rotate := s.refreshDelay, s.refreshFailure, s.rotate
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	switch failure {
	case RefreshRevoked:
		writeOAuthError(w, "invalid_grant", "refresh token revoked", http.StatusBadRequest)
		return
	case RefreshUnavailable:
		writeOAuthError(w, "temporarily_unavailable", "try again later", http.StatusServiceUnavailable)
		return
	}

	old := form.Get("refresh_token")
	s.mu.Lock()
	scope, ok := s.refreshTokens[old]
	if !ok {
		s.mu.Unlock()
		writeOAuthError(w, "invalid_grant", "unknown refresh token", http.StatusBadRequest)
		return
	}
	refreshToken := ""
	if rotate {
		delete(s.refreshTokens, old)
		refreshToken = s.mintRefreshTokenLocked(scope)
	}
	claims := s.claimsLocked()
	ttl := s.accessTTL
	s.mu.Unlock()

	s.writeTokens(w, claims, "", scope, refreshToken, ttl)
}

func (s *Server) writeTokens(w http.ResponseWriter, claims map[string]any, nonce, scope, refreshToken string, ttl time.Duration) {
	exp := time.Now().Add(ttl)
	accessToken, err := s.accessToken(claims, scope, exp)
	if err != nil {
		writeOAuthError(w, "server_error", err.Error(), http.StatusInternalServerError)
		return
	}
	idToken, err := s.idToken(claims, nonce, exp)
	if err != nil {
		writeOAuthError(w, "server_error", err.Error(), http.StatusInternalServerError)
		return
	}

	resp := tokenResponse{
		AccessToken:  accessToken,
		IDToken:      idToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(ttl.Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.endSessionCalls = append(s.endSessionCalls, r.URL.Query())
	status := s.logoutStatus
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	_, _ = fmt.Fprintln(w, "signed out")
}

func (s *Server) revokeHandler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	s.mu.Lock()
	s.revokeCalls = append(s.revokeCalls, r.PostForm)
	delete(s.refreshTokens, r.PostForm.Get("token"))
	status := s.logoutStatus
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) accessToken(claims map[string]any, scope string, exp time.Time) (string, error) {
	c := jwtlib.MapClaims{
		"iss": s.Issuer(),
		"aud": s.ClientID,
		"scp": scope,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
		"jti": uuid.NewString(),
	}
	for k, v := range claims {
		c[k] = v
	}
	return s.key.sign(c)
}

func (s *Server) idToken(claims map[string]any, nonce string, exp time.Time) (string, error) {
	c := jwtlib.MapClaims{
		"iss": s.Issuer(),
		"aud": s.ClientID,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
		"jti": uuid.NewString(),
	}
	for k, v := range claims {
		c[k] = v
	}
	if nonce != "" {
		c["nonce"] = nonce
	}
	return s.key.sign(c)
}

func (s *Server) claimsLocked() map[string]any {
	out := make(map[string]any, len(s.claims))
	for k, v := range s.claims {
		out[k] = v
	}
	return out
}

func (s *Server) mintRefreshTokenLocked(scope string) string {
	rt := "rt-" + randomString()
	s.refreshTokens[rt] = scope
	return rt
}

func randomString() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOAuthError writes an RFC 6749 error response.
func writeOAuthError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	body := errorResponse{Error: errorCode, ErrorDescription: description}
	writeJSON(w, statusCode, body)
}
