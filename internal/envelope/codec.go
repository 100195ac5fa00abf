package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"replicator/internal/keystore"
)

const sessionKeySize = 32 // AES-256

var (
	// ErrPayloadTooLarge rejects rows above the configured ceiling before
	// any key material is spent on them.
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

	// ErrKeyUnwrapFailed means RSA-OAEP could not recover the session key:
	// wrong private key or corrupted encrypted_key.
	ErrKeyUnwrapFailed = errors.New("session key unwrap failed")

	// ErrAuthenticationFailed means the GCM tag did not verify. No partial
	// plaintext is ever returned alongside it.
	ErrAuthenticationFailed = errors.New("envelope authentication failed")
)

// Encryptor seals changes under the store's currently active public key.
// Each envelope gets a fresh CSPRNG session key and IV; a failing random
// source aborts the envelope rather than degrading.
type Encryptor struct {
	keys       *keystore.Store
	maxPayload int
	random     io.Reader
	now        func() time.Time
}

// NewEncryptor builds an encryptor over a public-key store. maxPayload <= 0
// disables the ceiling.
func NewEncryptor(keys *keystore.Store, maxPayload int) (*Encryptor, error) {
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	return &Encryptor{
		keys:       keys,
		maxPayload: maxPayload,
		random:     rand.Reader,
		now:        time.Now,
	}, nil
}

// Encrypt seals one change into an envelope carrying the active key's id.
func (e *Encryptor) Encrypt(change *Change) (*Envelope, error) {
	active, err := e.keys.Active()
	if err != nil {
		return nil, fmt.Errorf("select encryption key: %w", err)
	}

	plaintext, err := marshalPayload(change)
	if err != nil {
		return nil, fmt.Errorf("serialize change: %w", err)
	}
	if e.maxPayload > 0 && len(plaintext) > e.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes over %d limit", ErrPayloadTooLarge, len(plaintext), e.maxPayload)
	}

	sessionKey := make([]byte, sessionKeySize)
	if _, err := io.ReadFull(e.random, sessionKey); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(e.random, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	// Seal appends the 16-byte tag after the ciphertext; the wire format
	// carries them as separate fields.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), e.random, active.Public, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	return &Envelope{
		Version:       Version,
		Timestamp:     e.now().UTC(),
		Table:         change.Table,
		Operation:     change.Operation,
		EncryptedData: ciphertext,
		EncryptedKey:  encryptedKey,
		IV:            iv,
		Tag:           tag,
		KeyID:         active.KeyID,
	}, nil
}

// Decryptor opens envelopes with a private-key store. It runs only in the
// offline disaster-recovery path, never alongside the replicator.
type Decryptor struct {
	keys *keystore.Store
}

// NewDecryptor builds a decryptor over a store populated with private keys.
func NewDecryptor(keys *keystore.Store) (*Decryptor, error) {
	if keys == nil {
		return nil, errors.New("key store is required")
	}
	return &Decryptor{keys: keys}, nil
}

// Decrypt reverses Encrypt. Failures are per-envelope: an unknown key id,
// a failed unwrap or a bad tag never aborts a batch recovery run.
func (d *Decryptor) Decrypt(env *Envelope) (*Change, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	entry, err := d.keys.Resolve(env.KeyID)
	if err != nil {
		return nil, err
	}
	if entry.Private == nil {
		return nil, fmt.Errorf("key %s: %w", env.KeyID, keystore.ErrNoPrivateKey)
	}

	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, entry.Private, env.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrapFailed, err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	sealed := append(append([]byte{}, env.EncryptedData...), env.Tag...)
	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	change, err := unmarshalPayload(plaintext)
	if err != nil {
		return nil, fmt.Errorf("deserialize change: %w", err)
	}
	change.Table = env.Table
	change.Operation = env.Operation
	return change, nil
}

// payload is the canonical plaintext carried inside an envelope. Table and
// operation travel in the envelope header; the encrypted body holds the row
// images and capture time.
type payload struct {
	Data       map[string]any `json:"data"`
	OldData    map[string]any `json:"old_data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// marshalPayload produces the canonical byte representation. encoding/json
// writes map keys in sorted order, so equal changes serialize identically.
func marshalPayload(change *Change) ([]byte, error) {
	return json.Marshal(payload{
		Data:       change.Data,
		OldData:    change.OldData,
		OccurredAt: change.OccurredAt,
	})
}

func unmarshalPayload(raw []byte) (*Change, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &Change{
		Data:       p.Data,
		OldData:    p.OldData,
		OccurredAt: p.OccurredAt,
	}, nil
}
