package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// TokenAuth guards the local web API with one shared access token. Only the
// bcrypt hash is kept, so the hash may live in a config file.
type TokenAuth struct {
	hash []byte
}

// NewTokenAuth creates a guard for a plain token
func NewTokenAuth(token string) (*TokenAuth, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	hash, err := HashToken(token)
	if err != nil {
		return nil, err
	}
	return &TokenAuth{hash: []byte(hash)}, nil
}

// NewTokenAuthFromHash creates a guard for a token hashed with HashToken
func NewTokenAuthFromHash(hash string) (*TokenAuth, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid token hash: %w", err)
	}
	return &TokenAuth{hash: []byte(hash)}, nil
}

// GenerateToken generates a new random access token
func GenerateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// HashToken hashes a token for storage
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}

// Validate checks a presented token
func (a *TokenAuth) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// Middleware rejects requests without a valid token. Browsers cannot set
// headers on an EventSource, so a token query parameter is accepted as well.
// Paths in public are not checked.
func (a *TokenAuth) Middleware(public ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(public))
	for _, p := range public {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			if err := a.Validate(tokenFromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="pscribe"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
