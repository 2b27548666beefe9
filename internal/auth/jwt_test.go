package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signHS256(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func TestSubjectFromToken(t *testing.T) {
	valid := signHS256(t, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	expired := signHS256(t, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, testSecret)

	wrongSecret := signHS256(t, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, "some-other-secret")

	noSub := signHS256(t, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}, testSecret)

	// alg=none must be rejected regardless of claims
	noneAlg := func() string {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-123"})
		s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("failed to sign none token: %v", err)
		}
		return s
	}()

	tests := []struct {
		name    string
		token   string
		wantSub string
		wantErr bool
	}{
		{name: "valid token", token: valid, wantSub: "user-123"},
		{name: "expired token", token: expired, wantErr: true},
		{name: "wrong secret", token: wrongSecret, wantErr: true},
		{name: "missing sub", token: noSub, wantErr: true},
		{name: "alg none rejected", token: noneAlg, wantErr: true},
		{name: "garbage", token: "not.a.jwt", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := subjectFromToken(tt.token, testSecret)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("subjectFromToken accepted %q, want error", tt.token)
				}
				return
			}
			if err != nil {
				t.Fatalf("subjectFromToken failed: %v", err)
			}
			if sub != tt.wantSub {
				t.Errorf("sub = %q, want %q", sub, tt.wantSub)
			}
		})
	}
}

func TestSubjectFromTokenNoSubError(t *testing.T) {
	tok := signHS256(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}, testSecret)
	_, err := subjectFromToken(tok, testSecret)
	if !errors.Is(err, errNoSubject) {
		t.Errorf("error = %v, want errNoSubject", err)
	}
}

func TestUserID(t *testing.T) {
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID on empty context = %q, want empty", got)
	}
	ctx := context.WithValue(context.Background(), CtxUserID, "u1")
	if got := UserID(ctx); got != "u1" {
		t.Errorf("UserID = %q, want u1", got)
	}
}
