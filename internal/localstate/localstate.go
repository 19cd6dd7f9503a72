package localstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"e2e_dm/internal/model"
	redisSvc "e2e_dm/internal/service/redis"
)

// Durable client-side state: the wrapped private key, the raw public key and
// the last passphrase that unwrapped successfully. Scoped per identity and
// wiped on logout. Unread totals deliberately do not live here; the server is
// their source of truth.

// Store is the minimal durable key-value surface the key store needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

const (
	keyWrapped    = "wrapped_private_key"
	keyPublic     = "public_key"
	keyPassphrase = "working_passphrase"
)

type (
	// Local binds a Store to one identity and gives the entries types.
	Local struct {
		store  Store
		userID string
	}

	// RedisStore keeps local state in Redis, namespaced per identity.
	RedisStore struct {
		svc    *redisSvc.RedisService
		prefix string
	}
)

func New(store Store, userID string) *Local {
	return &Local{store: store, userID: userID}
}

func NewRedisStore(svc *redisSvc.RedisService, userID string) *RedisStore {
	return &RedisStore{svc: svc, prefix: fmt.Sprintf("e2e_dm:local:%s:", userID)}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.svc.Get(ctx, r.prefix+key)
	if errors.Is(err, redisSvc.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.svc.Set(ctx, r.prefix+key, value, 0)
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.svc.Del(ctx, full...)
}

func (l *Local) WrappedKey(ctx context.Context) (*model.WrappedKey, error) {
	raw, ok, err := l.store.Get(ctx, keyWrapped)
	if err != nil || !ok {
		return nil, err
	}
	var wk model.WrappedKey
	if err := json.Unmarshal([]byte(raw), &wk); err != nil {
		// corrupt local copy; treat as absent so load falls through to the
		// directory fetch
		return nil, nil
	}
	return &wk, nil
}

func (l *Local) SetWrappedKey(ctx context.Context, wk *model.WrappedKey) error {
	data, err := json.Marshal(wk)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, keyWrapped, string(data))
}

func (l *Local) PublicKey(ctx context.Context) (string, error) {
	v, _, err := l.store.Get(ctx, keyPublic)
	return v, err
}

func (l *Local) SetPublicKey(ctx context.Context, pubB64 string) error {
	return l.store.Set(ctx, keyPublic, pubB64)
}

func (l *Local) WorkingPassphrase(ctx context.Context) (string, error) {
	v, _, err := l.store.Get(ctx, keyPassphrase)
	return v, err
}

func (l *Local) SetWorkingPassphrase(ctx context.Context, pass string) error {
	return l.store.Set(ctx, keyPassphrase, pass)
}

// Clear wipes everything on logout.
func (l *Local) Clear(ctx context.Context) error {
	return l.store.Del(ctx, keyWrapped, keyPublic, keyPassphrase)
}
