package realm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/realmstore/internal/seal"
)

// SchemaMode selects what Open does when the file's schema version differs
// from Config.SchemaVersion.
type SchemaMode string

const (
	// SchemaModeAutomatic runs Config.Migration in a write transaction.
	// Without a migration callback the open fails with a schema mismatch.
	SchemaModeAutomatic SchemaMode = "automatic"

	// SchemaModeResetFile deletes the file and starts over.
	SchemaModeResetFile SchemaMode = "reset_file"

	// SchemaModeReadOnly never writes; a version difference is a schema mismatch
	// and write transactions are refused.
	SchemaModeReadOnly SchemaMode = "read_only"
)

// EncryptionKeySize is the required length of Config.EncryptionKey.
const EncryptionKeySize = seal.KeySize

// MigrationFunc upgrades a file from oldVersion to newVersion.
// It runs inside a write transaction on h.
type MigrationFunc func(ctx context.Context, h *Handle, oldVersion, newVersion uint64) error

// InitFunc populates a freshly created file. It runs inside a write transaction on h.
type InitFunc func(ctx context.Context, h *Handle) error

// Config describes how to open one realm file.
// The registry copies it on open; later changes by the caller have no effect.
type Config struct {
	// Path is the realm file.
	Path string

	// EncryptionKey is nil for plain files or exactly EncryptionKeySize bytes.
	//
	// An encrypted file is unsealed into a working copy private to this
	// process and sealed back when its last handle closes. It must not be
	// opened for writing by more than one process at a time: the process that
	// reseals last overwrites the other's commits. Commits by other processes
	// also never wake WaitForChange on an encrypted file.
	EncryptionKey []byte

	// SchemaVersion is the version the caller expects. NotVersioned means no
	// expectation: the file is opened at whatever version it has.
	SchemaVersion uint64

	// SchemaMode defaults to SchemaModeAutomatic.
	SchemaMode SchemaMode

	// Migration is called when the file's version differs from SchemaVersion.
	Migration MigrationFunc

	// Initialization is called once, when the file has no schema version yet.
	Initialization InitFunc

	// AutoRefresh is the initial auto-refresh setting of handles.
	AutoRefresh bool

	// TempDir overrides the registry's temporary directory for this file.
	TempDir string
}

// Validate reports configuration errors as illegal arguments.
func (c Config) Validate() error {
	if c.Path == "" {
		return illegalArgument("A realm path is required.")
	}
	if c.EncryptionKey != nil && len(c.EncryptionKey) != EncryptionKeySize {
		return illegalArgument("Encryption key must be %d bytes, got %d.", EncryptionKeySize, len(c.EncryptionKey))
	}
	switch c.SchemaMode {
	case "", SchemaModeAutomatic, SchemaModeResetFile, SchemaModeReadOnly:
	default:
		return illegalArgument("Unknown schema mode %q.", c.SchemaMode)
	}
	return nil
}

func (c Config) mode() SchemaMode {
	if c.SchemaMode == "" {
		return SchemaModeAutomatic
	}
	return c.SchemaMode
}

func (c Config) encrypted() bool {
	return c.EncryptionKey != nil
}

// clone returns a copy that shares no mutable memory with c.
func (c Config) clone() Config {
	if c.EncryptionKey != nil {
		c.EncryptionKey = bytes.Clone(c.EncryptionKey)
	}
	return c
}

// fileConfig is the YAML form of Config.
type fileConfig struct {
	Path              string     `yaml:"path"`
	SchemaVersion     *uint64    `yaml:"schema_version,omitempty"`
	SchemaMode        SchemaMode `yaml:"schema_mode,omitempty"`
	AutoRefresh       bool       `yaml:"auto_refresh,omitempty"`
	TempDir           string     `yaml:"temp_dir,omitempty"`
	EncryptionKeyFile string     `yaml:"encryption_key_file,omitempty"`
}

// LoadConfig reads a YAML configuration file.
// Relative paths inside the file are resolved against the file's directory.
// Returns an error if the file doesn't exist, is malformed, or contains
// unknown fields (typos).
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	cfg := Config{
		Path:          resolve(base, fc.Path),
		SchemaVersion: NotVersioned,
		SchemaMode:    fc.SchemaMode,
		AutoRefresh:   fc.AutoRefresh,
		TempDir:       resolve(base, fc.TempDir),
	}
	if fc.SchemaVersion != nil {
		cfg.SchemaVersion = *fc.SchemaVersion
	}
	if fc.EncryptionKeyFile != "" {
		key, err := ReadKeyFile(resolve(base, fc.EncryptionKeyFile))
		if err != nil {
			return Config{}, err
		}
		cfg.EncryptionKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ReadKeyFile reads an encryption key stored either as raw bytes or as hex text.
func ReadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) == EncryptionKeySize {
		return data, nil
	}
	text := bytes.TrimSpace(data)
	key := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(key, text); err != nil {
		return nil, fmt.Errorf("key file %s: not %d raw bytes and not hex: %w", path, EncryptionKeySize, err)
	}
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("key file %s: key must be %d bytes, got %d", path, EncryptionKeySize, len(key))
	}
	return key, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
