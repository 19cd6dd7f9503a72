package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNotFoundScopedToKeyDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := c.OwnKeys(ctx); !errors.Is(err, ErrKeyNotPublished) {
		t.Fatalf("OwnKeys 404: expected ErrKeyNotPublished, got %v", err)
	}
	if _, err := c.PublicKeyOf(ctx, "bob"); !errors.Is(err, ErrKeyNotPublished) {
		t.Fatalf("PublicKeyOf 404: expected ErrKeyNotPublished, got %v", err)
	}

	// a 404 off the key directory is an ordinary failed call, never the
	// missing-key sentinel
	if _, err := c.Conversation(ctx, "bob"); err == nil || errors.Is(err, ErrKeyNotPublished) {
		t.Fatalf("Conversation 404: got %v", err)
	}
	if err := c.MarkRead(ctx, "m1"); err == nil || errors.Is(err, ErrKeyNotPublished) {
		t.Fatalf("MarkRead 404: got %v", err)
	}

	var ne *NetworkError
	if _, err := c.Conversation(ctx, "bob"); !errors.As(err, &ne) {
		t.Fatalf("expected *NetworkError, got %T", err)
	}
}

func TestLoginSetsBearerCredential(t *testing.T) {
	var sawAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"tok-1"}`))
		default:
			sawAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"total":0}`))
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	if err := c.Login(ctx, "alice", "alice@example.com"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if c.Token() != "tok-1" {
		t.Fatalf("token not stored, got %q", c.Token())
	}
	if _, err := c.UnreadCount(ctx); err != nil {
		t.Fatalf("UnreadCount: %v", err)
	}
	if sawAuth != "Bearer tok-1" {
		t.Fatalf("credential not attached, got %q", sawAuth)
	}

	c.Logout()
	if c.Token() != "" {
		t.Fatalf("token survived Logout")
	}
}
