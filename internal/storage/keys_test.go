// ABOUTME: Tests for database key derivation
// ABOUTME: Verifies HKDF determinism, domain separation, and fingerprint stability

package storage

import (
	"bytes"
	"testing"
)

func TestHKDFProvider_Deterministic(t *testing.T) {
	root := []byte("root-secret-material")
	salt := []byte("salt")

	a, err := NewHKDFProvider(root, salt, "messenger-db").DatabaseKey()
	if err != nil {
		t.Fatalf("DatabaseKey failed: %v", err)
	}
	b, err := NewHKDFProvider(root, salt, "messenger-db").DatabaseKey()
	if err != nil {
		t.Fatalf("DatabaseKey failed: %v", err)
	}

	if len(a) != databaseKeySize {
		t.Errorf("key length = %d, want %d", len(a), databaseKeySize)
	}
	if !bytes.Equal(a, b) {
		t.Error("same inputs derived different keys")
	}
}

func TestHKDFProvider_DomainSeparation(t *testing.T) {
	root := []byte("root-secret-material")

	a, err := NewHKDFProvider(root, nil, "messenger-db").DatabaseKey()
	if err != nil {
		t.Fatalf("DatabaseKey failed: %v", err)
	}
	b, err := NewHKDFProvider(root, nil, "attachment-store").DatabaseKey()
	if err != nil {
		t.Fatalf("DatabaseKey failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different info strings derived the same key")
	}
}

func TestHKDFProvider_EmptyRoot(t *testing.T) {
	if _, err := NewHKDFProvider(nil, nil, "messenger-db").DatabaseKey(); err == nil {
		t.Error("empty root secret should fail")
	}
}

func TestNoKey(t *testing.T) {
	key, err := NoKey{}.DatabaseKey()
	if err != nil {
		t.Fatalf("NoKey.DatabaseKey failed: %v", err)
	}
	if key != nil {
		t.Errorf("NoKey returned key material %x", key)
	}
	if keyFingerprint(key) != "none" {
		t.Errorf("fingerprint of nil key = %q, want none", keyFingerprint(key))
	}
}
