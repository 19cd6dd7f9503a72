package model

import "time"

type (
	// WrappedKey is a private key encrypted under a passphrase-derived key.
	// Salt, IV and Ciphertext are base64; Iterations is the PBKDF2 round
	// count used for the KEK so old records stay unwrappable after a
	// parameter bump.
	WrappedKey struct {
		Version    int    `json:"version" bson:"version"`
		Salt       string `json:"salt" bson:"salt"`
		IV         string `json:"iv" bson:"iv"`
		Iterations int    `json:"iterations" bson:"iterations"`
		Ciphertext string `json:"ciphertext" bson:"ciphertext"`
	}

	// KeyRecord is one public-key directory entry. EncryptedPrivateKey is
	// present only on the owner's own record; the server stores it as an
	// opaque blob and can never open it.
	KeyRecord struct {
		UserID              string      `json:"user_id" bson:"user_id"`
		PublicKey           string      `json:"public_key" bson:"public_key"`
		EncryptedPrivateKey *WrappedKey `json:"encrypted_private_key,omitempty" bson:"encrypted_private_key,omitempty"`
		UpdatedAt           time.Time   `json:"updated_at" bson:"updated_at"`
	}
)
