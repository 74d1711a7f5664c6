package crypto

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"chatcore/internal/errors"
	"chatcore/internal/models"

	"golang.org/x/crypto/chacha20poly1305"
)

// envelope is the plaintext structure carried inside a message ciphertext.
// The type discriminant distinguishes normal payloads from truncation
// markers; refs and identity are optional causal-order markers.
type envelope struct {
	Text       string   `json:"text"`
	Type       string   `json:"type,omitempty"`
	References []string `json:"refs,omitempty"`
	Identity   string   `json:"identity,omitempty"`
}

const envelopeTypeTruncate = "truncate"

// AEADDecryptor implements the engine's opaque decryption capability with
// ChaCha20-Poly1305. The sender id binds the ciphertext as associated data.
type AEADDecryptor struct {
	ring *KeyRing
}

// NewAEADDecryptor creates a decryptor over the given key ring.
func NewAEADDecryptor(ring *KeyRing) *AEADDecryptor {
	return &AEADDecryptor{ring: ring}
}

// Decrypt opens ciphertext with the key identified by keyID. A missing key
// yields a retryable KEYS_PENDING error; an authentication failure yields a
// per-message DECRYPTION_FAILED error.
func (d *AEADDecryptor) Decrypt(ctx context.Context, ciphertext []byte, senderID, keyID string) (*models.DecryptedPayload, error) {
	key, ok := d.ring.Key(keyID)
	if !ok {
		return nil, errors.NewKeysPendingError(keyID)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.NewDecryptError("", keyID, err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.NewDecryptError("", keyID, fmt.Errorf("ciphertext shorter than nonce"))
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(senderID))
	if err != nil {
		return nil, errors.NewDecryptError("", keyID, err)
	}

	var env envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, errors.NewDecryptError("", keyID, err)
	}

	payload := &models.DecryptedPayload{
		Text:       env.Text,
		Kind:       models.PayloadNormal,
		References: env.References,
		Identity:   env.Identity,
	}
	if env.Type == envelopeTypeTruncate {
		payload.Kind = models.PayloadTruncate
	}
	return payload, nil
}

// Encrypt seals a payload for the given sender and key. Used for outgoing
// messages and test fixtures.
func (d *AEADDecryptor) Encrypt(payload *models.DecryptedPayload, senderID, keyID string) ([]byte, error) {
	key, ok := d.ring.Key(keyID)
	if !ok {
		return nil, errors.NewKeysPendingError(keyID)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "cipher init failed")
	}

	env := envelope{
		Text:       payload.Text,
		References: payload.References,
		Identity:   payload.Identity,
	}
	if payload.Kind == models.PayloadTruncate {
		env.Type = envelopeTypeTruncate
	}
	plain, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "envelope marshal failed")
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "nonce generation failed")
	}
	return append(nonce, aead.Seal(nil, nonce, plain, []byte(senderID))...), nil
}
