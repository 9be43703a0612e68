// Package auth verifies bearer tokens issued by the external auth service.
// The server only checks tokens; it never hands them out to users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/pkg/models"
)

var errNoToken = errors.New("missing bearer token")

type claimsKey struct{}

// Claims are the token claims the server relies on. The subject names the
// user the workspace belongs to.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Auth verifies HS256 tokens against a shared secret.
type Auth struct {
	secret []byte
	parser *jwt.Parser
}

// New creates an Auth for the given shared secret.
func New(secret string) *Auth {
	return &Auth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Middleware rejects requests that carry no valid token and stores the
// verified claims in the request context.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Verify(bearerToken(r))
		if err != nil {
			logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
			unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// Verify parses and validates a raw token.
func (a *Auth) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, errNoToken
	}
	claims := new(Claims)
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}

// GetClaims returns the claims verified for the current request, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// Sign issues a token for subject, valid for ttl. Used by tooling and tests.
func (a *Auth) Sign(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString(a.secret)
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter because browsers cannot set headers on a websocket
// handshake.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return token
	}
	return r.URL.Query().Get("token")
}

func unauthorized(w http.ResponseWriter, err error) {
	msg := "invalid token"
	if errors.Is(err, errNoToken) {
		msg = errNoToken.Error()
	} else if errors.Is(err, jwt.ErrTokenExpired) {
		msg = "token expired"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="cloudcode"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error: msg,
		Code:  http.StatusUnauthorized,
	})
}
