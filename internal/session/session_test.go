package session

import (
	"bytes"
	"sync"
	"testing"

	"e2e_dm/internal/cryptographic/engine"
)

func newTestSession(t *testing.T) (*Session, *engine.KeyPair) {
	t.Helper()
	pair, err := engine.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return New("alice", pair), pair
}

func TestSessionKeyMemoized(t *testing.T) {
	s, _ := newTestSession(t)
	bob, _ := engine.GenerateKeyPair()
	bobPub := engine.ExportPublicKey(bob.Public)

	k1, err := s.SessionKey("bob", bobPub)
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	k2, err := s.SessionKey("bob", bobPub)
	if err != nil {
		t.Fatalf("SessionKey (cached): %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("cache returned a different key")
	}
}

func TestSessionKeyMatchesPeerDerivation(t *testing.T) {
	alice, alicePair := newTestSession(t)
	bobPair, _ := engine.GenerateKeyPair()
	bob := New("bob", bobPair)

	ka, err := alice.SessionKey("bob", engine.ExportPublicKey(bobPair.Public))
	if err != nil {
		t.Fatalf("alice SessionKey: %v", err)
	}
	kb, err := bob.SessionKey("alice", engine.ExportPublicKey(alicePair.Public))
	if err != nil {
		t.Fatalf("bob SessionKey: %v", err)
	}
	if !bytes.Equal(ka, kb) {
		t.Fatalf("both sides must derive the same pairwise key")
	}
}

func TestSessionKeyConcurrent(t *testing.T) {
	s, _ := newTestSession(t)
	bob, _ := engine.GenerateKeyPair()
	bobPub := engine.ExportPublicKey(bob.Public)

	const n = 16
	keys := make([]engine.SymmetricKey, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			k, err := s.SessionKey("bob", bobPub)
			if err != nil {
				t.Errorf("SessionKey: %v", err)
				return
			}
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatalf("concurrent derivations disagree")
		}
	}
}

func TestInvalidateKeyRederives(t *testing.T) {
	s, _ := newTestSession(t)
	oldBob, _ := engine.GenerateKeyPair()
	newBob, _ := engine.GenerateKeyPair()

	k1, _ := s.SessionKey("bob", engine.ExportPublicKey(oldBob.Public))
	s.InvalidateKey("bob")
	k2, err := s.SessionKey("bob", engine.ExportPublicKey(newBob.Public))
	if err != nil {
		t.Fatalf("SessionKey after invalidate: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("key not re-derived for the rotated public key")
	}
}

func TestSessionKeyBadPublicKey(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.SessionKey("bob", "garbage"); err == nil {
		t.Fatalf("expected import error")
	}
}

func TestMarkReadOncePerSession(t *testing.T) {
	s, _ := newTestSession(t)

	if !s.MarkRead("m1") {
		t.Fatalf("first MarkRead should report newly marked")
	}
	if s.MarkRead("m1") {
		t.Fatalf("second MarkRead should be suppressed")
	}

	s.ResetMarkedRead()
	if !s.MarkRead("m1") {
		t.Fatalf("MarkRead should be allowed again after reset")
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestSession(t)
	bob, _ := engine.GenerateKeyPair()
	bobPub := engine.ExportPublicKey(bob.Public)

	k1, _ := s.SessionKey("bob", bobPub)
	s.MarkRead("m1")
	s.Clear()

	if s.MarkRead("m1") != true {
		t.Fatalf("marked-read set survived Clear")
	}
	// the same snapshot would re-derive the same bits, so prove the cache is
	// cold by deriving against a rotated counterpart key
	newBob, _ := engine.GenerateKeyPair()
	k2, err := s.SessionKey("bob", engine.ExportPublicKey(newBob.Public))
	if err != nil {
		t.Fatalf("SessionKey after Clear: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Fatalf("session key cache survived Clear")
	}
}
