package signature

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/vantagebank/hookline/internal/model"
)

func TestSignDeterministic(t *testing.T) {
	secret := model.SecretFromString("s3cr3t")
	payload := map[string]any{"b": 2, "a": "x"}

	first, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	second, err := Sign(secret, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if first != second {
		t.Errorf("same payload signed differently: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, Prefix) {
		t.Errorf("signature missing %q prefix: %q", Prefix, first)
	}
}

func TestSignKeyOrderInsensitive(t *testing.T) {
	secret := model.SecretFromString("s3cr3t")

	// Two JSON encodings of the same object with different key order must
	// produce the same signature once canonicalized.
	var a, b any
	if err := json.Unmarshal([]byte(`{"x":1,"y":{"p":true,"q":"v"}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"y":{"q":"v","p":true},"x":1}`), &b); err != nil {
		t.Fatal(err)
	}

	sigA, err := Sign(secret, a)
	if err != nil {
		t.Fatalf("Sign a: %v", err)
	}
	sigB, err := Sign(secret, b)
	if err != nil {
		t.Fatalf("Sign b: %v", err)
	}
	if sigA != sigB {
		t.Errorf("key order changed signature: %q vs %q", sigA, sigB)
	}
}

func TestSignSecretSensitive(t *testing.T) {
	payload := map[string]any{"n": 1}
	sigA, err := Sign(model.SecretFromString("one"), payload)
	if err != nil {
		t.Fatal(err)
	}
	sigB, err := Sign(model.SecretFromString("two"), payload)
	if err != nil {
		t.Fatal(err)
	}
	if sigA == sigB {
		t.Error("different secrets produced the same signature")
	}
}

func TestSignZeroSecret(t *testing.T) {
	sig, err := Sign(model.Secret{}, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if sig != "" {
		t.Errorf("zero secret should yield empty signature, got %q", sig)
	}
}

func TestVerifyBody(t *testing.T) {
	secret := model.SecretFromString("s3cr3t")
	payload := map[string]any{"amount": 125.5, "id": "T1"}
	sig, err := Sign(secret, payload)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(payload)

	tests := []struct {
		name   string
		secret model.Secret
		body   []byte
		header string
		want   bool
	}{
		{"valid", secret, body, sig, true},
		{"reordered body", secret, []byte(`{"id":"T1","amount":125.5}`), sig, true},
		{"wrong secret", model.SecretFromString("other"), body, sig, false},
		{"tampered body", secret, []byte(`{"amount":999,"id":"T1"}`), sig, false},
		{"missing header", secret, body, "", false},
		{"not json", secret, []byte(`{{`), sig, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyBody(tt.secret, tt.body, tt.header); got != tt.want {
				t.Errorf("VerifyBody = %v, want %v", got, tt.want)
			}
		})
	}
}
