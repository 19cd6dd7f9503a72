package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"e2e_dm/internal/cryptographic/engine"
	"e2e_dm/internal/cryptographic/wrap"
	"e2e_dm/internal/directory"
	"e2e_dm/internal/localstate"
	"e2e_dm/internal/model"
	"e2e_dm/internal/utils/log"
)

// KeyStore owns the local identity's long-term key pair: populate on login,
// clear on logout. Missing, corrupt or undecryptable material escalates to
// regeneration instead of surfacing a dead end to the user.

type State int

const (
	StateUnloaded State = iota
	StateTryingCandidates
	StateUnwrapped
	StateRegenerating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateTryingCandidates:
		return "trying_candidates"
	case StateUnwrapped:
		return "unwrapped"
	case StateRegenerating:
		return "regenerating"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Directory is the slice of the REST client the key store needs.
type Directory interface {
	OwnKeys(ctx context.Context) (*model.KeyRecord, error)
	PublishKeys(ctx context.Context, publicKeyB64 string, wrapped *model.WrappedKey) error
}

type KeyStore struct {
	mu    sync.Mutex
	state State

	email string
	dir   Directory
	local *localstate.Local

	pair *engine.KeyPair
}

func New(dir Directory, local *localstate.Local, email string) *KeyStore {
	return &KeyStore{
		state: StateUnloaded,
		email: email,
		dir:   dir,
		local: local,
	}
}

func (k *KeyStore) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// KeyPair returns the loaded pair, or nil before Load succeeds.
func (k *KeyStore) KeyPair() *engine.KeyPair {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.pair
}

// Load resolves the identity's key pair: local persisted copies first, then
// the directory's wrapped record, unwrapped with each passphrase candidate in
// order. Unwrap or import failure is never retried with the same input; it
// escalates to Regenerate. Only a network failure comes back as an error, and
// the caller may simply call Load again.
func (k *KeyStore) Load(ctx context.Context) (*engine.KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.state == StateReady && k.pair != nil {
		return k.pair, nil
	}
	k.state = StateTryingCandidates

	wrapped, err := k.local.WrappedKey(ctx)
	if err != nil {
		k.state = StateUnloaded
		return nil, fmt.Errorf("read local wrapped key: %w", err)
	}

	if wrapped == nil {
		rec, err := k.dir.OwnKeys(ctx)
		switch {
		case errors.Is(err, directory.ErrKeyNotPublished):
			log.Info("no published keys, generating a fresh pair")
			return k.regenerateLocked(ctx)
		case err != nil:
			k.state = StateUnloaded
			return nil, err // network failure, retryable
		}
		wrapped = rec.EncryptedPrivateKey
	}

	privB64, pass, ok := k.unwrapLocked(ctx, wrapped)
	if !ok {
		log.Warn("all passphrase candidates failed, regenerating")
		return k.regenerateLocked(ctx)
	}
	k.state = StateUnwrapped

	priv, err := engine.ImportPrivateKey(privB64)
	if err != nil {
		// unwrapped fine but does not import: the record is corrupt
		log.Warn("stored private key failed to import, regenerating", zap.Error(err))
		return k.regenerateLocked(ctx)
	}
	pair := &engine.KeyPair{Private: priv, Public: priv.PublicKey()}

	if err := k.local.SetWrappedKey(ctx, wrapped); err != nil {
		log.Warn("cache wrapped key locally", zap.Error(err))
	}
	if err := k.local.SetPublicKey(ctx, engine.ExportPublicKey(pair.Public)); err != nil {
		log.Warn("cache public key locally", zap.Error(err))
	}
	if err := k.local.SetWorkingPassphrase(ctx, pass); err != nil {
		log.Warn("remember working passphrase", zap.Error(err))
	}

	// self-heal directory drift
	if err := k.dir.PublishKeys(ctx, engine.ExportPublicKey(pair.Public), wrapped); err != nil {
		log.Warn("republish keys", zap.Error(err))
	}

	k.pair = pair
	k.state = StateReady
	return pair, nil
}

// unwrapLocked tries each candidate in order; the first success wins.
func (k *KeyStore) unwrapLocked(ctx context.Context, wrapped *model.WrappedKey) (privB64, pass string, ok bool) {
	candidates := []string{wrap.CanonicalPassphrase(k.email)}
	if cached, err := k.local.WorkingPassphrase(ctx); err == nil && cached != "" && cached != candidates[0] {
		candidates = append(candidates, cached)
	}

	for _, candidate := range candidates {
		privB64, err := wrap.Unwrap(wrapped, candidate)
		if err == nil {
			return privB64, candidate, true
		}
	}
	return "", "", false
}

// Regenerate mints a fresh pair, wraps it under the canonical passphrase,
// publishes the public half and persists both locally. Destructive for
// history: messages encrypted under the old pair stay readable only where
// their embedded snapshots still pair with the peer's unaffected key.
func (k *KeyStore) Regenerate(ctx context.Context) (*engine.KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.regenerateLocked(ctx)
}

func (k *KeyStore) regenerateLocked(ctx context.Context) (*engine.KeyPair, error) {
	k.state = StateRegenerating

	pair, err := engine.GenerateKeyPair()
	if err != nil {
		k.state = StateUnloaded
		return nil, err
	}
	privB64, err := engine.ExportPrivateKey(pair.Private)
	if err != nil {
		k.state = StateUnloaded
		return nil, err
	}

	pass := wrap.CanonicalPassphrase(k.email)
	wrapped, err := wrap.Wrap(privB64, pass)
	if err != nil {
		k.state = StateUnloaded
		return nil, err
	}

	pubB64 := engine.ExportPublicKey(pair.Public)
	if err := k.dir.PublishKeys(ctx, pubB64, wrapped); err != nil {
		// the only fatal-to-the-session path: a fresh pair nobody can reach
		k.state = StateUnloaded
		return nil, fmt.Errorf("publish regenerated keys: %w", err)
	}

	if err := k.local.SetWrappedKey(ctx, wrapped); err != nil {
		log.Warn("persist wrapped key locally", zap.Error(err))
	}
	if err := k.local.SetPublicKey(ctx, pubB64); err != nil {
		log.Warn("persist public key locally", zap.Error(err))
	}
	if err := k.local.SetWorkingPassphrase(ctx, pass); err != nil {
		log.Warn("persist working passphrase", zap.Error(err))
	}

	k.pair = pair
	k.state = StateReady
	log.Info("key pair regenerated and published")
	return pair, nil
}

// Publish re-upserts the current public key; safe to call redundantly.
func (k *KeyStore) Publish(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.pair == nil {
		return errors.New("no key pair loaded")
	}
	wrapped, err := k.local.WrappedKey(ctx)
	if err != nil {
		return err
	}
	return k.dir.PublishKeys(ctx, engine.ExportPublicKey(k.pair.Public), wrapped)
}

// Clear drops key material and local copies on logout.
func (k *KeyStore) Clear(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.pair = nil
	k.state = StateUnloaded
	return k.local.Clear(ctx)
}
