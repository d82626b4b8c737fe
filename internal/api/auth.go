// Package api provides the HTTP API for the sync indicator monitor.
package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	cookieFileName = ".cookie"
	cookieSize     = 32
)

// Auth holds the bearer token the API requires. The token lives in a
// cookie file readable only by the owner, which is how local clients find
// it.
type Auth struct {
	token    string
	filePath string
}

// NewAuth generates a fresh token and writes it to stateDir with mode 0600.
func NewAuth(stateDir string) (*Auth, error) {
	tokenBytes := make([]byte, cookieSize)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, err
	}
	filePath := filepath.Join(stateDir, cookieFileName)
	if err := os.WriteFile(filePath, []byte(token), 0600); err != nil {
		return nil, err
	}

	return &Auth{token: token, filePath: filePath}, nil
}

// LoadAuth reads the token written by a running monitor.
func LoadAuth(stateDir string) (*Auth, error) {
	filePath := filepath.Join(stateDir, cookieFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil, fmt.Errorf("empty cookie file %s", filePath)
	}
	return &Auth{token: token, filePath: filePath}, nil
}

// Token returns the bearer token.
func (a *Auth) Token() string {
	return a.token
}

// FilePath returns the path to the cookie file.
func (a *Auth) FilePath() string {
	return a.filePath
}

// Middleware rejects requests without a valid Authorization header.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" {
			writeError(w, "invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}
