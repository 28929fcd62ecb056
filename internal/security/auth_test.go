package security

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/allaspectsdev/hookproxy/internal/config"
	"github.com/allaspectsdev/hookproxy/internal/pipeline"
	"github.com/allaspectsdev/hookproxy/internal/proxy"
)

type staticSecrets map[string]string

func (s staticSecrets) ResolveKeyRef(ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", errors.New("unknown ref")
	}
	return v, nil
}

var testSecrets = staticSecrets{"keyring://hookproxy/client": "s3cret"}

func newAuth(t *testing.T, scheme, header string) *Auth {
	t.Helper()
	a, err := NewAuth(config.AuthConfig{
		Enabled:   true,
		Scheme:    scheme,
		Header:    header,
		Username:  "alice",
		SecretRef: "keyring://hookproxy/client",
		Realm:     "hookproxy",
	}, testSecrets)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return a
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuth_Credentials(t *testing.T) {
	tests := []struct {
		name       string
		scheme     string
		header     string
		value      string
		wantStatus int
		challenge  string
	}{
		{"bearer ok", "bearer", "authorization", "Bearer s3cret", 0, ""},
		{"bearer scheme case-insensitive", "bearer", "authorization", "bearer s3cret", 0, ""},
		{"bearer wrong token", "bearer", "authorization", "Bearer nope", 401, `Bearer realm="hookproxy"`},
		{"bearer missing", "bearer", "authorization", "", 401, `Bearer realm="hookproxy"`},
		{"bearer sent as basic", "bearer", "authorization", basic("alice", "s3cret"), 401, `Bearer realm="hookproxy"`},
		{"basic ok", "basic", "authorization", basic("alice", "s3cret"), 0, ""},
		{"basic wrong user", "basic", "authorization", basic("bob", "s3cret"), 401, `Basic realm="hookproxy"`},
		{"basic garbage", "basic", "authorization", "Basic !!!", 401, `Basic realm="hookproxy"`},
		{"proxy ok", "basic", "proxy-authorization", basic("alice", "s3cret"), 0, ""},
		{"proxy missing", "basic", "proxy-authorization", "", 407, `Basic realm="hookproxy"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuth(t, tt.scheme, tt.header)
			req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
			headerName := http.CanonicalHeaderKey(tt.header)
			if tt.value != "" {
				req.Header.Set(headerName, tt.value)
			}

			d, err := a.BeforeRequest(context.Background(), req, pipeline.Context{}, pipeline.NewState())

			if tt.wantStatus == 0 {
				if err != nil || d.Action != pipeline.ActionNext {
					t.Fatalf("expected Next, got %v, %v", d, err)
				}
				if req.Header.Get(headerName) != "" {
					t.Error("credentials must be stripped before forwarding")
				}
				return
			}

			resp := pipeline.ErrorResponse(req, err)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			challengeHeader := "WWW-Authenticate"
			if tt.wantStatus == http.StatusProxyAuthRequired {
				challengeHeader = "Proxy-Authenticate"
			}
			if got := resp.Header.Get(challengeHeader); got != tt.challenge {
				t.Errorf("%s: got %q, want %q", challengeHeader, got, tt.challenge)
			}
		})
	}
}

func TestNewAuth_SecretErrors(t *testing.T) {
	_, err := NewAuth(config.AuthConfig{Scheme: "bearer", SecretRef: "keyring://hookproxy/missing"}, testSecrets)
	if err == nil {
		t.Error("expected error for unresolvable secret")
	}
	_, err = NewAuth(config.AuthConfig{Scheme: "bearer", SecretRef: "empty"}, staticSecrets{"empty": ""})
	if err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestAuth_RejectedRequestNeverReachesUpstream(t *testing.T) {
	a := newAuth(t, "bearer", "proxy-authorization")
	up := proxy.UpstreamFunc(func(context.Context, *http.Request) (*http.Response, error) {
		t.Fatal("upstream must not be called")
		return nil, nil
	})
	svc := proxy.NewService(pipeline.NewChain(a), up, proxy.ServiceOptions{})

	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/", nil)
	req.RequestURI = ""
	resp, err := svc.Serve(context.Background(), req, "192.0.2.1:1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Errorf("status: got %d, want 407", resp.StatusCode)
	}
	if resp.Header.Get("Proxy-Authenticate") == "" {
		t.Error("407 must carry Proxy-Authenticate")
	}
}
