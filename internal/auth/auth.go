// Package auth guards the mutating operator routes with HMAC-signed bearer
// tokens. A debug-token header bypass exists for local development only.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/slipway-ml/slipway/internal/config"
)

// WriteScope must appear in the token's scope claim (or roles list) for any
// route that mutates runs, traffic or deployments.
const WriteScope = "releases:write"

var (
	ErrNoCredentials = errors.New("auth: credentials required")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrMissingScope  = errors.New("auth: missing required scope")
)

// Verifier checks operator credentials on incoming requests.
type Verifier struct {
	secret          []byte
	allowDebugToken bool
	debugToken      string
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{
		secret:          []byte(cfg.AuthSecret),
		allowDebugToken: cfg.AllowDebugToken,
		debugToken:      cfg.DebugToken,
	}
}

// VerifyRequest accepts either the debug token header (when enabled) or a
// Bearer JWT carrying the write scope.
func (v *Verifier) VerifyRequest(r *http.Request) error {
	if v.allowDebugToken && v.debugToken != "" {
		if token := r.Header.Get("X-Debug-Token"); token != "" && token == v.debugToken {
			return nil
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return ErrNoCredentials
	}
	return v.verifyToken(strings.TrimPrefix(authHeader, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		// Reject asymmetric algs outright; the secret must never be
		// interpreted as a public key.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == WriteScope {
				return nil
			}
		}
		return ErrMissingScope
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, role := range roles {
			if s, ok := role.(string); ok && s == WriteScope {
				return nil
			}
		}
	}
	return ErrMissingScope
}

// MintToken issues an operator token. Used by slipwayctl and the tests.
func MintToken(secret []byte, subject, scope string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("mint token: empty secret")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   "slipway",
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
