package auth

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("user-a", "secret", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	uid, err := ParseJWT(tok, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != "user-a" {
		t.Fatalf("expected user-a, got %q", uid)
	}
}

func TestParse_Rejects(t *testing.T) {
	expired, _ := SignJWT("user-a", "secret", -time.Minute)
	noSubject, _ := SignJWT("", "secret", time.Minute)
	wrongKey, _ := SignJWT("user-a", "other", time.Minute)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"missing subject", noSubject},
		{"wrong key", wrongKey},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseJWT(tt.token, "secret"); err != ErrInvalidToken {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}
