package server

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour}
	tok, err := CreateToken("alice", "alice@example.com", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != "alice" {
		t.Fatalf("expected alice, got %q", claims.UserID)
	}
	if claims.Email != "alice@example.com" {
		t.Fatalf("email claim lost")
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: time.Hour}
	tok, err := CreateToken("alice", "", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, TokenConfig{Secret: "wrong", Expiry: time.Hour}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Expiry: -time.Minute}
	tok, err := CreateToken("alice", "", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, cfg); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/messages", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := tokenFromRequest(r); got != "abc" {
		t.Fatalf("bearer header: got %q", got)
	}

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	if got := tokenFromRequest(r); got != "xyz" {
		t.Fatalf("query token: got %q", got)
	}
}
