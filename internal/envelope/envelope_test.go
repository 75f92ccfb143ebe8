package envelope

import (
	"reflect"
	"strings"
	"testing"
)

type sample struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	Body    string         `json:"body,omitempty"`
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := []byte("shared-secret-key")
	msg := sample{Command: "STATUS", Params: map[string]any{"status": "OK"}}

	blob, err := Encrypt(key, msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var out sample
	if err := Decrypt(key, blob, &out); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if out.Command != msg.Command {
		t.Errorf("Command: got %q, want %q", out.Command, msg.Command)
	}
	if out.Params["status"] != "OK" {
		t.Errorf("Params[status]: got %v, want OK", out.Params["status"])
	}
}

func TestEncrypt_ProducesBase64NoNewlines(t *testing.T) {
	blob, err := Encrypt([]byte("k"), sample{Command: "CHECK"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.ContainsAny(blob, "\n\r") {
		t.Errorf("blob should contain no newlines, got %q", blob)
	}
}

func TestEncrypt_NonDeterministic_DueToRandomNonce(t *testing.T) {
	key := []byte("k")
	msg := sample{Command: "CHECK"}

	a, err := Encrypt(key, msg)
	if err != nil {
		t.Fatalf("Encrypt a: %v", err)
	}
	b, err := Encrypt(key, msg)
	if err != nil {
		t.Fatalf("Encrypt b: %v", err)
	}
	if a == b {
		t.Errorf("expected distinct ciphertexts for distinct random nonces, got identical: %q", a)
	}

	// Both must still decrypt to the same plaintext — onion determinism
	// holds up to the random AES-GCM nonce.
	var outA, outB sample
	if err := Decrypt(key, a, &outA); err != nil {
		t.Fatalf("Decrypt a: %v", err)
	}
	if err := Decrypt(key, b, &outB); err != nil {
		t.Fatalf("Decrypt b: %v", err)
	}
	if !reflect.DeepEqual(outA, outB) {
		t.Errorf("decrypted payloads should match: %+v vs %+v", outA, outB)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	blob, err := Encrypt([]byte("key-one"), sample{Command: "CHECK"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	var out sample
	if err := Decrypt([]byte("key-two"), blob, &out); err == nil {
		t.Error("expected decrypt with wrong key to fail")
	}
}

func TestDecrypt_MalformedBase64Fails(t *testing.T) {
	var out sample
	if err := Decrypt([]byte("k"), "not-valid-base64!!!", &out); err == nil {
		t.Error("expected malformed base64 to fail")
	}
}

func TestDecrypt_TruncatedCiphertextFails(t *testing.T) {
	var out sample
	if err := Decrypt([]byte("k"), "AA==", &out); err == nil {
		t.Error("expected ciphertext shorter than nonce to fail")
	}
}

func TestDecrypt_CorruptedCiphertextFailsIntegrityCheck(t *testing.T) {
	key := []byte("k")
	blob, err := Encrypt(key, sample{Command: "CHECK"})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Flip the last character to corrupt the ciphertext/tag.
	corrupted := blob[:len(blob)-1] + "A"
	if corrupted == blob {
		corrupted = blob[:len(blob)-1] + "B"
	}
	var out sample
	if err := Decrypt(key, corrupted, &out); err == nil {
		t.Error("expected GCM authentication failure on corrupted ciphertext")
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey([]byte("hello"))
	b := DeriveKey([]byte("hello"))
	if string(a) != string(b) {
		t.Error("DeriveKey should be deterministic for the same input")
	}
	if len(a) != 16 {
		t.Errorf("expected 16-byte AES-128 key, got %d bytes", len(a))
	}
}

func TestDeriveKey_DifferentInputsDiffer(t *testing.T) {
	a := DeriveKey([]byte("alpha"))
	b := DeriveKey([]byte("beta"))
	if string(a) == string(b) {
		t.Error("expected different keys for different inputs")
	}
}
