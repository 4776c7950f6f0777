package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vantagebank/hookline/internal/model"
)

// Prefix identifies the signature scheme in the header value.
const Prefix = "sha256="

// Canonical returns the deterministic JSON serialization of v: the value is
// round-tripped through generic JSON so object keys come out sorted no matter
// how the in-memory payload was assembled. Signing always uses this form.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	return json.Marshal(norm)
}

// Sign computes the signature header value over the canonical form of
// payload. A zero secret yields an empty value: the request then carries no
// signature header, which is allowed but discouraged.
func Sign(secret model.Secret, payload any) (string, error) {
	if secret.IsZero() {
		return "", nil
	}
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret.Bytes())
	mac.Write(canon)
	return Prefix + hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyBody checks a received body against the signature header value.
// The body is canonicalized before comparison, so receivers are insensitive
// to key-order differences introduced by proxies.
func VerifyBody(secret model.Secret, body []byte, header string) bool {
	if secret.IsZero() || header == "" {
		return false
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	expected, err := Sign(secret, payload)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(header))
}
