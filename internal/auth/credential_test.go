package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestValid(t *testing.T) {
	now := time.Now()
	live := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))})
	expired := signed(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Minute))})
	noExp := signed(t, jwt.RegisteredClaims{Subject: "u1"})

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", false},
		{"opaque", "sk-farm-1234", true},
		{"live jwt", live, true},
		{"expired jwt", expired, false},
		{"jwt without exp", noExp, true},
		{"malformed jwt", "a.b.c", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Valid(tt.token, now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStaticProvider(t *testing.T) {
	if _, err := NewStatic("  ").Token(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("blank token error = %v, want ErrNoCredential", err)
	}
	tok, err := NewStatic(" abc ").Token()
	if err != nil || tok != "abc" {
		t.Errorf("Token() = %q, %v", tok, err)
	}
}

func TestFileProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	p := NewFile(path)

	if _, err := p.Token(); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("missing file error = %v, want ErrNoCredential", err)
	}

	if err := os.WriteFile(path, []byte("tok-1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, err := p.Token()
	if err != nil || tok != "tok-1" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}

	if err := os.WriteFile(path, []byte("tok-2"), 0600); err != nil {
		t.Fatal(err)
	}
	if tok, _ := p.Token(); tok != "tok-2" {
		t.Errorf("Token() after rewrite = %q, want tok-2", tok)
	}
}

func TestUserID(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"opaque", "sk-123", ""},
		{"sub", signed(t, jwt.MapClaims{"sub": "u-9"}), "u-9"},
		{"userId wins over sub", signed(t, jwt.MapClaims{"userId": "u-1", "sub": "u-9"}), "u-1"},
		{"numeric user_id", signed(t, jwt.MapClaims{"user_id": 42}), "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UserID(tt.token); got != tt.want {
				t.Errorf("UserID() = %q, want %q", got, tt.want)
			}
		})
	}
}
