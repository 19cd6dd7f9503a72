package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// IVSize is the AES-GCM nonce size in bytes (96 bits). A fresh random IV is
// generated per Encrypt call and must be carried alongside the ciphertext.
const IVSize = 12

// ErrAuthentication means the ciphertext or IV was tampered with, or the key
// is wrong. Callers get this sentinel, never partially-decrypted bytes.
var ErrAuthentication = errors.New("message authentication failed")

// AES-GCM helper. key must be 16/24/32 bytes; session keys are 32.
func Encrypt(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	iv = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("rand.Read iv: %w", err)
	}
	return iv, aead.Seal(nil, iv, plaintext, nil), nil
}

func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, ErrAuthentication
	}
	plain, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
