package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testSecret,
		Issuer:     "verto-ops",
		Audience:   "verto-gateway",
	}, nil)
}

func serveWithToken(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/1", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAuthenticatorScopes(t *testing.T) {
	auth := newTestAuthenticator()
	var seen string
	handler := auth.Middleware(ScopeEscrowWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	exp := time.Now().Add(time.Hour).Unix()

	res := serveWithToken(handler, "")
	require.Equal(t, http.StatusUnauthorized, res.Code)

	readOnly := signToken(t, jwt.MapClaims{"sub": "ops", "iss": "verto-ops", "aud": "verto-gateway", "exp": exp, "scope": ScopeEscrowRead})
	res = serveWithToken(handler, readOnly)
	require.Equal(t, http.StatusForbidden, res.Code)

	writer := signToken(t, jwt.MapClaims{"sub": "ops", "iss": "verto-ops", "aud": []string{"verto-gateway"}, "exp": exp, "scope": []string{ScopeEscrowRead, ScopeEscrowWrite}})
	res = serveWithToken(handler, writer)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ops", seen)
}

func TestAuthenticatorRejectsBadClaims(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware(ScopeEscrowRead)(okHandler())
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"wrong issuer":   {"iss": "other", "aud": "verto-gateway", "exp": exp, "scope": ScopeEscrowRead},
		"wrong audience": {"iss": "verto-ops", "aud": "other", "exp": exp, "scope": ScopeEscrowRead},
		"expired":        {"iss": "verto-ops", "aud": "verto-gateway", "exp": time.Now().Add(-time.Hour).Unix(), "scope": ScopeEscrowRead},
		"no expiry":      {"iss": "verto-ops", "aud": "verto-gateway", "scope": ScopeEscrowRead},
	}
	for name, claims := range cases {
		res := serveWithToken(handler, signToken(t, claims))
		if res.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, res.Code)
		}
	}

	other, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, serveWithToken(handler, other).Code)
}

func TestAuthenticatorOptionalPaths(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		AllowAnonymous: true,
		OptionalPaths:  []string{"/v1/escrows"},
	}, nil)
	handler := auth.Middleware(ScopeEscrowRead)(okHandler())
	require.Equal(t, http.StatusOK, serveWithToken(handler, "").Code)
}

func TestAuthenticatorDisabled(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := auth.Middleware(ScopeEscrowWrite)(okHandler())
	require.Equal(t, http.StatusOK, serveWithToken(handler, "").Code)
}

func TestRequestIDsPreservesValidInbound(t *testing.T) {
	var seen string
	handler := RequestIDs(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "not-a-uuid")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.NotEqual(t, "not-a-uuid", seen)
	require.Equal(t, seen, res.Header().Get(HeaderRequestID))

	const inbound = "9b2f3c1e-5d4a-4f0b-8e6c-2a1b3c4d5e6f"
	req.Header.Set(HeaderRequestID, inbound)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, inbound, seen)
}
