package model

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// Secret is signing material for an endpoint. It never renders itself:
// String, Format and MarshalJSON all redact, so a secret cannot leak through
// logs or API responses. The raw bytes are only reachable via Bytes, which
// the signer and the store use deliberately.
type Secret struct {
	raw []byte
}

// NewSecret wraps raw key material. Empty input yields the zero Secret.
func NewSecret(raw []byte) Secret {
	if len(raw) == 0 {
		return Secret{}
	}
	b := make([]byte, len(raw))
	copy(b, raw)
	return Secret{raw: b}
}

// SecretFromString wraps a textual secret.
func SecretFromString(s string) Secret {
	return NewSecret([]byte(s))
}

// GenerateSecret returns a random 256-bit secret.
func GenerateSecret() (Secret, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return Secret{}, err
	}
	return Secret{raw: b}, nil
}

// IsZero reports whether no secret is set. An endpoint without a secret is
// allowed but its requests carry no signature header.
func (s Secret) IsZero() bool { return len(s.raw) == 0 }

// Bytes returns the raw key material.
func (s Secret) Bytes() []byte { return s.raw }

// Equal compares in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare(s.raw, other.raw) == 1
}

func (s Secret) String() string {
	if s.IsZero() {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	if s.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// UnmarshalJSON accepts a plaintext secret on input paths (endpoint
// registration). The redaction only applies on the way out.
func (s *Secret) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("secret must be a JSON string")
	}
	*s = SecretFromString(string(data[1 : len(data)-1]))
	return nil
}

// Seal encrypts the secret for at-rest storage with AES-256-GCM under key.
// Output is base64(nonce || ciphertext).
func (s Secret) Seal(key []byte) (string, error) {
	if s.IsZero() {
		return "", nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, s.raw, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenSecret decrypts a value produced by Seal.
func OpenSecret(key []byte, sealed string) (Secret, error) {
	if sealed == "" {
		return Secret{}, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return Secret{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return Secret{}, fmt.Errorf("decode sealed secret: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return Secret{}, errors.New("sealed secret too short")
	}
	plain, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return Secret{}, fmt.Errorf("open sealed secret: %w", err)
	}
	return Secret{raw: plain}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
