// Package envelope holds the change data model and the hybrid-encryption
// codec: AES-256-GCM for the row payload, RSA-OAEP for wrapping the one-time
// session key. Only the holder of the matching private key can open an
// envelope; the cloud receiver stores ciphertext it cannot read.
package envelope

import (
	"fmt"
	"time"
)

// Version tags the envelope wire format.
const Version = "1.0"

const (
	ivSize  = 12 // 96-bit GCM nonce
	tagSize = 16 // 128-bit GCM auth tag
)

// Envelope is the encrypted, self-describing unit delivered to the cloud
// receiver. Byte fields marshal as base64 per encoding/json. Envelopes are
// immutable and content-addressable by (key_id, timestamp).
type Envelope struct {
	Version       string    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	Table         string    `json:"table"`
	Operation     Operation `json:"operation"`
	EncryptedData []byte    `json:"encrypted_data"`
	EncryptedKey  []byte    `json:"encrypted_key"`
	IV            []byte    `json:"iv"`
	Tag           []byte    `json:"tag"`
	KeyID         string    `json:"key_id"`
}

// IdempotencyKey identifies the envelope for at-least-once delivery and
// dead-letter bookkeeping. Retries must resend the identical bytes so this
// key stays stable.
func (e *Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s-%d", e.KeyID, e.Timestamp.UnixNano())
}

// Validate checks the structural invariants an envelope must satisfy before
// delivery or decryption is attempted.
func (e *Envelope) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("envelope missing version")
	}
	if e.KeyID == "" {
		return fmt.Errorf("envelope missing key_id")
	}
	if e.Table == "" {
		return fmt.Errorf("envelope missing table")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("envelope has unknown operation %q", e.Operation)
	}
	if len(e.IV) != ivSize {
		return fmt.Errorf("envelope iv is %d bytes, want %d", len(e.IV), ivSize)
	}
	if len(e.Tag) != tagSize {
		return fmt.Errorf("envelope tag is %d bytes, want %d", len(e.Tag), tagSize)
	}
	if len(e.EncryptedKey) == 0 {
		return fmt.Errorf("envelope missing encrypted_key")
	}
	return nil
}
