package engine

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	"e2e_dm/internal/cryptographic/encryption"
	"e2e_dm/internal/cryptographic/kdf"
)

// Stateless primitives for the messaging core: P-256 key agreement, HKDF
// expansion of the shared secret, and AES-256-GCM for message bodies.
// Nothing in this package touches the network or stored state.

const SessionKeySize = 32

// The HKDF salt and info are fixed and public. The ECDH shared secret is the
// entropy source; the salt only provides domain separation between this
// derivation and any other use of the same secret.
var (
	hkdfSalt = []byte("e2e_dm/session-key/v1")
	hkdfInfo = []byte("pairwise message key")
)

type (
	// KeyPair is one identity's long-term key-agreement pair. Used only for
	// deriving pairwise session keys, never to encrypt messages directly.
	KeyPair struct {
		Private *ecdh.PrivateKey
		Public  *ecdh.PublicKey
	}

	// SymmetricKey is a derived AES-256-GCM session key.
	SymmetricKey []byte
)

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key pair: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPublicKey serializes to the raw uncompressed point, base64.
func ExportPublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

func ImportPublicKey(raw string) (*ecdh.PublicKey, error) {
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &KeyImportError{Kind: "public", Err: err}
	}
	pub, err := ecdh.P256().NewPublicKey(b)
	if err != nil {
		return nil, &KeyImportError{Kind: "public", Err: err}
	}
	return pub, nil
}

// ExportPrivateKey serializes to PKCS#8 DER, base64.
func ExportPrivateKey(priv *ecdh.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func ImportPrivateKey(raw string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &KeyImportError{Kind: "private", Err: err}
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, &KeyImportError{Kind: "private", Err: err}
	}
	switch k := parsed.(type) {
	case *ecdh.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		priv, err := k.ECDH()
		if err != nil {
			return nil, &KeyImportError{Kind: "private", Err: err}
		}
		return priv, nil
	default:
		return nil, &KeyImportError{Kind: "private", Err: errors.New("not an EC key")}
	}
}

// DeriveSharedSecret performs ECDH. Deriving from (A.priv, B.pub) and
// (B.priv, A.pub) yields the same bits.
func DeriveSharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH: %w", err)
	}
	return secret, nil
}

// DeriveSymmetricKey expands an ECDH shared secret into an AES-256-GCM key.
func DeriveSymmetricKey(sharedSecret []byte) (SymmetricKey, error) {
	key, err := kdf.Expand(sharedSecret, hkdfSalt, hkdfInfo, SessionKeySize)
	if err != nil {
		return nil, fmt.Errorf("expand session key: %w", err)
	}
	return SymmetricKey(key), nil
}

// Encrypt seals plaintext under a fresh random 96-bit IV.
func Encrypt(key SymmetricKey, plaintext []byte) (iv, ciphertext []byte, err error) {
	return encryption.Encrypt(key, plaintext)
}

// Decrypt opens iv+ciphertext; a *DecryptionError means tampering or the
// wrong key, and garbage is never returned.
func Decrypt(key SymmetricKey, iv, ciphertext []byte) ([]byte, error) {
	plain, err := encryption.Decrypt(key, iv, ciphertext)
	if err != nil {
		return nil, &DecryptionError{Err: err}
	}
	return plain, nil
}
