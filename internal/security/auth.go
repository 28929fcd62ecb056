package security

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
)

// SecretResolver resolves a secret reference such as keyring://hookproxy/name.
// *vault.Vault implements it.
type SecretResolver interface {
	ResolveKeyRef(ref string) (string, error)
}

// Auth is the middleware that requires client credentials before a request
// is proxied. Credentials are checked with constant-time comparison and
// removed from the request before it is forwarded.
type Auth struct {
	pipeline.Base

	scheme   string // "basic" or "bearer"
	header   string // canonical request header carrying credentials
	username string
	secret   []byte

	status    int    // 401 or 407
	challenge string // response header carrying the challenge
	realm     string
}

var _ pipeline.Middleware = (*Auth)(nil)

// NewAuth creates the auth middleware, resolving the shared secret through
// secrets.
func NewAuth(cfg config.AuthConfig, secrets SecretResolver) (*Auth, error) {
	secret, err := secrets.ResolveKeyRef(cfg.SecretRef)
	if err != nil {
		return nil, fmt.Errorf("auth: resolving secret_ref: %w", err)
	}
	if secret == "" {
		return nil, errors.New("auth: secret is empty")
	}

	a := &Auth{
		scheme:    strings.ToLower(cfg.Scheme),
		username:  cfg.Username,
		secret:    []byte(secret),
		realm:     cfg.Realm,
		header:    "Authorization",
		status:    http.StatusUnauthorized,
		challenge: "WWW-Authenticate",
	}
	if strings.EqualFold(cfg.Header, "proxy-authorization") {
		a.header = "Proxy-Authorization"
		a.status = http.StatusProxyAuthRequired
		a.challenge = "Proxy-Authenticate"
	}
	return a, nil
}

func (a *Auth) Name() string { return "auth" }

// BeforeRequest rejects requests without valid credentials.
func (a *Auth) BeforeRequest(ctx context.Context, req *http.Request, _ pipeline.Context, _ *pipeline.State) (pipeline.Decision, error) {
	value := req.Header.Get(a.header)
	if value == "" {
		return pipeline.Decision{}, a.reject("authentication required")
	}
	if !a.valid(value) {
		zerolog.Ctx(ctx).Warn().Str("scheme", a.scheme).Msg("rejected invalid credentials")
		return pipeline.Decision{}, a.reject("invalid credentials")
	}

	req.Header.Del(a.header)
	return pipeline.Next, nil
}

func (a *Auth) reject(msg string) error {
	scheme := "Bearer"
	if a.scheme == "basic" {
		scheme = "Basic"
	}
	return &pipeline.Error{
		StatusCode: a.status,
		Message:    msg,
		Header:     http.Header{a.challenge: {fmt.Sprintf("%s realm=%q", scheme, a.realm)}},
	}
}

func (a *Auth) valid(value string) bool {
	scheme, credentials, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, a.scheme) {
		return false
	}
	credentials = strings.TrimSpace(credentials)

	if a.scheme == "bearer" {
		return subtle.ConstantTimeCompare([]byte(credentials), a.secret) == 1
	}

	decoded, err := base64.StdEncoding.DecodeString(credentials)
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), a.secret) == 1
	return userOK && passOK
}
