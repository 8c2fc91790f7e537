package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoCredential means no usable bearer token is available. Network
// operations are skipped, not failed, when a provider returns it.
var ErrNoCredential = errors.New("no valid credential")

// Provider hands out the bearer token issued by the external auth service.
type Provider interface {
	Token() (string, error)
}

// Static serves a fixed token.
type Static struct {
	token string
	now   func() time.Time
}

// NewStatic returns a provider for token. An empty token yields
// ErrNoCredential on every call.
func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

func (s *Static) Token() (string, error) {
	return checked(s.token, s.now())
}

// File reads the token from a file on every call, so a token refreshed by
// another process is picked up without a restart.
type File struct {
	path string
	now  func() time.Time
}

// NewFile returns a provider reading path.
func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

func (f *File) Token() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return checked(strings.TrimSpace(string(data)), f.now())
}

func checked(token string, now time.Time) (string, error) {
	if !Valid(token, now) {
		return "", ErrNoCredential
	}
	return token, nil
}

// Valid reports whether token is worth presenting. Opaque tokens are
// accepted as is; JWTs are decoded without verification (the backend owns
// the key) and rejected once their exp claim has passed.
func Valid(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	if strings.Count(token, ".") != 2 {
		return true
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return false
	}
	return true
}

// UserID extracts the caller's user id from a JWT, checking the claims the
// marketplace backends use. It returns "" for opaque tokens.
func UserID(token string) string {
	if strings.Count(token, ".") != 2 {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	for _, name := range []string{"userId", "user_id", "id", "sub"} {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
