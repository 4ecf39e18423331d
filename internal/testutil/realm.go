package testutil

import (
	"crypto/rand"
	"path/filepath"
	"testing"
)

// KeySize matches realm.EncryptionKeySize.
const KeySize = 64

// RealmPath returns a path for a realm file inside a per-test directory.
// The file does not exist yet.
func RealmPath(t testing.TB, name string) string {
	t.Helper()
	if name == "" {
		name = "default.realm"
	}
	return filepath.Join(t.TempDir(), name)
}

// Key returns a random encryption key.
func Key(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}
