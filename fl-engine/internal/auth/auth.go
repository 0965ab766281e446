package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/config"
)

type ctxKey string

const ctxKeyPrincipal ctxKey = "fl-engine.principal"

const (
	MethodJWT   = "jwt"
	MethodDebug = "debug"
	MethodOpen  = "open"

	debugHeader = "X-Debug-Token"
	issuer      = "fl-engine"
)

var ErrUnauthenticated = errors.New("authentication required")

// Principal is the caller identity attached to authenticated requests.
type Principal struct {
	Subject string
	Method  string
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// Verifier accepts HS256 bearer tokens signed with the shared secret, or the
// debug token header when enabled. With neither configured every request passes
// as an anonymous principal.
type Verifier struct {
	secret     []byte
	allowDebug bool
	debugToken string
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		secret:     []byte(cfg.JWTSecret),
		allowDebug: cfg.AllowDebugToken && cfg.DebugToken != "",
		debugToken: cfg.DebugToken,
	}
}

func (v *Verifier) open() bool {
	return len(v.secret) == 0 && !v.allowDebug
}

// IssueToken signs a token for subject. Used by operators and tests.
func (v *Verifier) IssueToken(subject string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *Verifier) VerifyToken(tokenStr string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: bearer tokens not accepted", ErrUnauthenticated)
	}
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token missing subject", ErrUnauthenticated)
	}
	return Principal{Subject: claims.Subject, Method: MethodJWT}, nil
}

// Authenticate resolves the principal of r.
func (v *Verifier) Authenticate(r *http.Request) (Principal, error) {
	if v.allowDebug {
		if token := r.Header.Get(debugHeader); token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.debugToken)) == 1 {
			return Principal{Subject: "debug", Method: MethodDebug}, nil
		}
	}
	if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return v.VerifyToken(strings.TrimSpace(authz[7:]))
	}
	if v.open() {
		return Principal{Subject: "anonymous", Method: MethodOpen}, nil
	}
	return Principal{}, ErrUnauthenticated
}

// Middleware rejects unauthenticated requests with 401 and stores the principal
// in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := v.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
