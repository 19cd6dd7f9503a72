package engine

import "fmt"

type (
	// KeyImportError means stored key material is malformed or of the wrong
	// curve. It is never swallowed: callers use it to trigger regeneration.
	KeyImportError struct {
		Kind string // "public" or "private"
		Err  error
	}

	// DecryptionError is a per-message failure: wrong key, flipped bit, or
	// truncated ciphertext. The message is unreadable, the stream is fine.
	DecryptionError struct {
		Err error
	}
)

func (e *KeyImportError) Error() string {
	return fmt.Sprintf("import %s key: %v", e.Kind, e.Err)
}

func (e *KeyImportError) Unwrap() error { return e.Err }

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt message: %v", e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }
