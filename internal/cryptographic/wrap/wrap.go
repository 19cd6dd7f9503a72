package wrap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"e2e_dm/internal/cryptographic/encryption"
	"e2e_dm/internal/model"
)

// Passphrase-based wrapping of the exported private key. The wrapped blob is
// stored both server-side and locally, so a returning session can rebuild the
// key pair without re-registration.

const (
	formatVersion = 1
	saltSize      = 16
	kekSize       = 32
	// PBKDF2-SHA256 rounds for the key-encryption key.
	Iterations = 100_000
)

// Returned when the passphrase is wrong or the wrapped blob is corrupted.
// Not fatal by itself: the key store tries the next candidate, then
// regenerates.
var ErrUnwrapFailed = errors.New("wrong passphrase or corrupted wrapped key")

// CanonicalPassphrase derives the wrapping passphrase from the account email.
// This is deterministic and low-entropy on purpose: it matches the deployed
// behavior and keeps old wrapped keys recoverable. Treat any change here as a
// policy decision, not a refactor.
func CanonicalPassphrase(email string) string {
	sum := sha256.Sum256([]byte("e2e_dm/key-wrap/v1:" + email))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Wrap encrypts the base64 PKCS#8 private-key export under the passphrase.
func Wrap(privateKeyB64, passphrase string) (*model.WrappedKey, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}

	kek := pbkdf2.Key([]byte(passphrase), salt, Iterations, kekSize, sha256.New)
	iv, ct, err := encryption.Encrypt(kek, []byte(privateKeyB64))
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}

	return &model.WrappedKey{
		Version:    formatVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Iterations: Iterations,
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Unwrap recovers the base64 private-key export, or ErrUnwrapFailed.
func Unwrap(wrapped *model.WrappedKey, passphrase string) (string, error) {
	if wrapped == nil || wrapped.Version > formatVersion {
		return "", ErrUnwrapFailed
	}

	salt, err := base64.StdEncoding.DecodeString(wrapped.Salt)
	if err != nil {
		return "", ErrUnwrapFailed
	}
	iv, err := base64.StdEncoding.DecodeString(wrapped.IV)
	if err != nil {
		return "", ErrUnwrapFailed
	}
	ct, err := base64.StdEncoding.DecodeString(wrapped.Ciphertext)
	if err != nil {
		return "", ErrUnwrapFailed
	}

	iterations := wrapped.Iterations
	if iterations <= 0 {
		iterations = Iterations
	}

	kek := pbkdf2.Key([]byte(passphrase), salt, iterations, kekSize, sha256.New)
	plain, err := encryption.Decrypt(kek, iv, ct)
	if err != nil {
		return "", ErrUnwrapFailed
	}
	return string(plain), nil
}
