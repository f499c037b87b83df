// ABOUTME: Database key management interface and HKDF-based key derivation
// ABOUTME: At-rest encryption stays pluggable; the store only consumes derived keys

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyProvider supplies the database encryption key. Key management is an
// explicit collaborator rather than an assumption baked into the store:
// deployments without at-rest encryption use NoKey, and an engine that
// supports encryption receives whatever the provider derives.
type KeyProvider interface {
	// DatabaseKey returns the key material for the database, or nil when
	// at-rest encryption is disabled.
	DatabaseKey() ([]byte, error)
}

// databaseKeySize is the derived key length in bytes
const databaseKeySize = 32

// HKDFProvider derives a per-database key from a root secret using
// HKDF-SHA256. The same root, salt and info always derive the same key.
type HKDFProvider struct {
	root []byte
	salt []byte
	info string
}

// NewHKDFProvider creates a provider deriving from the given root secret.
// The info string domain-separates keys derived from the same root.
func NewHKDFProvider(root, salt []byte, info string) *HKDFProvider {
	return &HKDFProvider{root: root, salt: salt, info: info}
}

func (p *HKDFProvider) DatabaseKey() ([]byte, error) {
	if len(p.root) == 0 {
		return nil, fmt.Errorf("deriving database key: empty root secret")
	}
	reader := hkdf.New(sha256.New, p.root, p.salt, []byte(p.info))
	key := make([]byte, databaseKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving database key: %w", err)
	}
	return key, nil
}

// NoKey is a KeyProvider for databases without at-rest encryption
type NoKey struct{}

func (NoKey) DatabaseKey() ([]byte, error) { return nil, nil }

// keyFingerprint returns a short hex fingerprint for logging. Never the
// key itself.
func keyFingerprint(key []byte) string {
	if len(key) == 0 {
		return "none"
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}
