// Package seal implements the encryption-at-rest container used for encrypted
// realm files and encrypted copies.
//
// Layout:
//
//	magic "RLMSEAL1" | 24-byte nonce | XChaCha20-Poly1305(xz(payload))
//
// The magic is authenticated as additional data. The caller's 64-byte key is
// reduced to the AEAD key with BLAKE3 key derivation, so any opaque key
// material of that length can be used.
package seal

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of caller-supplied keys.
const KeySize = 64

// HeaderSize is the number of leading bytes IsSealed needs to see.
const HeaderSize = len(magic)

const (
	magic         = "RLMSEAL1"
	deriveContext = "realmstore 2026-10 seal v1 xchacha20poly1305"
)

var (
	// ErrKeySize is returned for keys that are not KeySize bytes long.
	ErrKeySize = fmt.Errorf("seal: key must be %d bytes", KeySize)

	// ErrNotSealed is returned when the input does not start with the container magic.
	ErrNotSealed = errors.New("seal: not a sealed container")

	// ErrDecrypt is returned when authentication fails (wrong key or corrupted data).
	ErrDecrypt = errors.New("seal: decryption failed")
)

// Encrypt compresses and seals plaintext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	w, err := xz.NewWriter(&compressed)
	if err != nil {
		return nil, fmt.Errorf("seal: compress: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("seal: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("seal: compress: %w", err)
	}

	out := make([]byte, len(magic)+aead.NonceSize(), len(magic)+aead.NonceSize()+compressed.Len()+aead.Overhead())
	copy(out, magic)
	nonce := out[len(magic):]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal: nonce: %w", err)
	}
	return aead.Seal(out, nonce, compressed.Bytes(), []byte(magic)), nil
}

// Decrypt opens a container produced by Encrypt.
func Decrypt(sealed, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	body := sealed[len(magic):]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	compressed, err := aead.Open(nil, nonce, ciphertext, []byte(magic))
	if err != nil {
		return nil, ErrDecrypt
	}

	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("seal: decompress: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("seal: decompress: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether data starts with the container magic.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

// SealFile encrypts src into dst. dst is created exclusively and must not exist.
func SealFile(src, dst string, key []byte) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("seal: read %s: %w", src, err)
	}
	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("seal: create %s: %w", dst, err)
	}
	if _, err := f.Write(sealed); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("seal: write %s: %w", dst, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("seal: sync %s: %w", dst, err)
	}
	return f.Close()
}

// ResealFile encrypts src over dst atomically: the container is written next to
// dst and renamed into place.
func ResealFile(src, dst string, key []byte) error {
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+".seal-tmp")
	_ = os.Remove(tmp)
	if err := SealFile(src, tmp, key); err != nil {
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("seal: replace %s: %w", dst, err)
	}
	return nil
}

// UnsealFile decrypts src into dst, truncating dst.
func UnsealFile(src, dst string, key []byte) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("seal: read %s: %w", src, err)
	}
	plaintext, err := Decrypt(sealed, key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, plaintext, 0o600); err != nil {
		return fmt.Errorf("seal: write %s: %w", dst, err)
	}
	return nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(deriveContext, key, derived)
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return aead, nil
}
