package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
)

func protected(v *Verifier) (http.Handler, *Principal) {
	var seen Principal
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	return h, &seen
}

func TestMiddlewareAcceptsJWT(t *testing.T) {
	v := NewVerifier(config.Config{JWTSecret: "s3cret"})
	token, err := v.IssueToken("creator-1", time.Minute)
	require.NoError(t, err)

	h, seen := protected(v)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, Principal{Subject: "creator-1", Method: MethodJWT}, *seen)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	v := NewVerifier(config.Config{JWTSecret: "s3cret"})
	other := NewVerifier(config.Config{JWTSecret: "different"})
	forged, err := other.IssueToken("mallory", time.Minute)
	require.NoError(t, err)
	expired, err := v.IssueToken("alice", -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	h, _ := protected(v)
	for name, header := range map[string]string{
		"missing": "",
		"forged":  "Bearer " + forged,
		"expired": "Bearer " + expired,
		"none":    "Bearer " + none,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "authentication required")
		})
	}
}

func TestMiddlewareDebugToken(t *testing.T) {
	v := NewVerifier(config.Config{AllowDebugToken: true, DebugToken: "dev"})
	h, seen := protected(v)

	req := httptest.NewRequest(http.MethodPost, "/api/train", nil)
	req.Header.Set("X-Debug-Token", "dev")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, MethodDebug, seen.Method)

	for _, token := range []string{"wrong", "dew", "de", "devv"} {
		req = httptest.NewRequest(http.MethodPost, "/api/train", nil)
		req.Header.Set("X-Debug-Token", token)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, token)
	}
}

func TestMiddlewareOpenWithoutCredentialsConfigured(t *testing.T) {
	h, seen := protected(NewVerifier(config.Config{}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/simulation", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, MethodOpen, seen.Method)
}
