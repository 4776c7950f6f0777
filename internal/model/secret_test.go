package model

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func sealingKey(t *testing.T) []byte {
	t.Helper()
	sum := sha256.Sum256([]byte("test passphrase"))
	return sum[:]
}

func TestSecretNeverRenders(t *testing.T) {
	s := SecretFromString("hunter2")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q", got)
	}
	if got := fmt.Sprintf("endpoint secret=%v", s); strings.Contains(got, "hunter2") {
		t.Errorf("formatted output leaked the secret: %q", got)
	}

	b, err := json.Marshal(struct {
		Secret Secret `json:"secret"`
	}{Secret: s})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "hunter2") {
		t.Errorf("JSON leaked the secret: %s", b)
	}
	if !strings.Contains(string(b), "[REDACTED]") {
		t.Errorf("JSON should mark redaction: %s", b)
	}
}

func TestSecretZero(t *testing.T) {
	var s Secret
	if !s.IsZero() {
		t.Error("zero value not IsZero")
	}
	if s.String() != "" {
		t.Errorf("zero String() = %q", s.String())
	}
	if b, _ := json.Marshal(s); string(b) != `""` {
		t.Errorf("zero JSON = %s", b)
	}
	if SecretFromString("").IsZero() != true {
		t.Error("empty string secret should be zero")
	}
}

func TestSecretUnmarshalPlaintext(t *testing.T) {
	var s Secret
	if err := json.Unmarshal([]byte(`"hunter2"`), &s); err != nil {
		t.Fatal(err)
	}
	if !s.Equal(SecretFromString("hunter2")) {
		t.Error("unmarshal did not keep the plaintext")
	}
	if err := json.Unmarshal([]byte(`42`), &s); err == nil {
		t.Error("non-string JSON accepted")
	}
}

func TestSecretEqual(t *testing.T) {
	a := SecretFromString("same")
	b := SecretFromString("same")
	c := SecretFromString("different")
	if !a.Equal(b) {
		t.Error("equal secrets compare unequal")
	}
	if a.Equal(c) {
		t.Error("different secrets compare equal")
	}
}

func TestSealRoundTrip(t *testing.T) {
	key := sealingKey(t)
	s := SecretFromString("hunter2")

	sealed, err := s.Seal(key)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sealed, "hunter2") {
		t.Error("sealed form contains plaintext")
	}

	opened, err := OpenSecret(key, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !opened.Equal(s) {
		t.Error("round trip lost the secret")
	}

	// nonces make every sealing distinct
	sealed2, _ := s.Seal(key)
	if sealed == sealed2 {
		t.Error("two sealings produced identical ciphertext")
	}
}

func TestSealZeroSecret(t *testing.T) {
	key := sealingKey(t)
	sealed, err := Secret{}.Seal(key)
	if err != nil {
		t.Fatal(err)
	}
	if sealed != "" {
		t.Errorf("zero secret sealed to %q", sealed)
	}
	opened, err := OpenSecret(key, "")
	if err != nil || !opened.IsZero() {
		t.Errorf("OpenSecret(\"\") = %v, %v", opened, err)
	}
}

func TestOpenSecretRejectsBadInput(t *testing.T) {
	key := sealingKey(t)
	s := SecretFromString("hunter2")
	sealed, _ := s.Seal(key)

	otherSum := sha256.Sum256([]byte("other key"))
	if _, err := OpenSecret(otherSum[:], sealed); err == nil {
		t.Error("wrong key accepted")
	}
	if _, err := OpenSecret(key, "!!not-base64!!"); err == nil {
		t.Error("garbage input accepted")
	}
	if _, err := OpenSecret(key, "AAAA"); err == nil {
		t.Error("truncated input accepted")
	}
	if _, err := s.Seal([]byte("short")); err == nil {
		t.Error("short sealing key accepted")
	}
}

func TestKnownEventType(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{EventTypeUserCreated, true},
		{EventTypeLoanRejected, true},
		{"security.password_changed", true},
		{"security.", false}, // prefix alone is not a type
		{"order.shipped", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := KnownEventType(tt.in); got != tt.want {
			t.Errorf("KnownEventType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
