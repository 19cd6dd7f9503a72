package session

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"

	"e2e_dm/internal/cryptographic/engine"
)

// Session owns the per-login mutable caches: derived session keys and the set
// of message ids already acknowledged as read. It is passed explicitly to the
// components that need it, so clearing on logout is ownership, not convention.
// Nothing here is persisted; a new session re-derives, which is cheap and
// keeps symmetric keys out of storage.

type Session struct {
	localID string
	pair    *engine.KeyPair

	mu     sync.Mutex
	keys   map[string]engine.SymmetricKey // counterpart id -> derived key
	marked map[string]struct{}            // message ids already acked as read

	group singleflight.Group
}

func New(localID string, pair *engine.KeyPair) *Session {
	return &Session{
		localID: localID,
		pair:    pair,
		keys:    make(map[string]engine.SymmetricKey),
		marked:  make(map[string]struct{}),
	}
}

func (s *Session) LocalID() string { return s.localID }

func (s *Session) PublicKeyB64() string {
	return engine.ExportPublicKey(s.pair.Public)
}

// SessionKey returns the cached key for the counterpart, deriving it on first
// use. Concurrent callers for the same counterpart share one in-flight
// derivation. The cache is keyed by counterpart id only: when a newer public
// key snapshot differs from the one that seeded the cache, the caller must
// InvalidateKey first.
func (s *Session) SessionKey(counterpartID, counterpartPubB64 string) (engine.SymmetricKey, error) {
	s.mu.Lock()
	if key, ok := s.keys[counterpartID]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(counterpartID, func() (any, error) {
		// a concurrent derivation may have won while we queued
		s.mu.Lock()
		if key, ok := s.keys[counterpartID]; ok {
			s.mu.Unlock()
			return key, nil
		}
		s.mu.Unlock()

		pub, err := engine.ImportPublicKey(counterpartPubB64)
		if err != nil {
			return nil, err
		}
		secret, err := engine.DeriveSharedSecret(s.pair.Private, pub)
		if err != nil {
			return nil, err
		}
		key, err := engine.DeriveSymmetricKey(secret)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.keys[counterpartID] = key
		s.mu.Unlock()
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	key, ok := v.(engine.SymmetricKey)
	if !ok {
		return nil, errors.New("unexpected session key type")
	}
	return key, nil
}

// InvalidateKey drops the cached key, e.g. after the counterpart regenerated.
func (s *Session) InvalidateKey(counterpartID string) {
	s.mu.Lock()
	delete(s.keys, counterpartID)
	s.mu.Unlock()
	s.group.Forget(counterpartID)
}

// MarkRead records a read acknowledgment. Returns false when the id was
// already marked this session, so the caller skips the duplicate REST call.
func (s *Session) MarkRead(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.marked[messageID]; ok {
		return false
	}
	s.marked[messageID] = struct{}{}
	return true
}

// UnmarkRead forgets a marked id, so a failed receipt call can be retried.
func (s *Session) UnmarkRead(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marked, messageID)
}

// ResetMarkedRead is called when the active conversation switches.
func (s *Session) ResetMarkedRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = make(map[string]struct{})
}

// Clear wipes everything on logout.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]engine.SymmetricKey)
	s.marked = make(map[string]struct{})
}
