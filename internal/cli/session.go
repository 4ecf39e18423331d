package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/realmstore/internal/realm"
)

// newFormatter builds the formatter for a command's output streams.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// loadConfig builds the realm configuration from --config, --db and
// --key-file. Flags override file values. Without a config file the realm
// is opened with no target schema version.
func loadConfig(opts *RootOptions) (realm.Config, error) {
	cfg := realm.Config{SchemaVersion: realm.NotVersioned}
	if opts.ConfigPath != "" {
		loaded, err := realm.LoadConfig(opts.ConfigPath)
		if err != nil {
			return realm.Config{}, err
		}
		cfg = loaded
	}
	if opts.DB != "" {
		cfg.Path = opts.DB
	}
	if opts.KeyFile != "" {
		key, err := realm.ReadKeyFile(opts.KeyFile)
		if err != nil {
			return realm.Config{}, err
		}
		cfg.EncryptionKey = key
	}
	if cfg.Path == "" {
		return realm.Config{}, errors.New("a realm path is required: use --db or --config")
	}
	return cfg, nil
}

// session is one opened realm for the duration of a command.
type session struct {
	f        *OutputFormatter
	registry *realm.Registry
	h        *realm.Handle
}

// openSession opens the configured realm. Configuration problems are command
// errors; realm errors are reported through the formatter and fail the command.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	f := newFormatter(opts, cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	registry := realm.NewRegistry()
	if opts.TmpDir != "" {
		if err := registry.Init(opts.TmpDir); err != nil {
			_ = f.RealmError(err)
			return nil, WrapExitError(ExitCommandError, "invalid temporary directory", err)
		}
	}

	h, err := registry.Open(ctx, cfg, nil)
	if err != nil {
		return nil, fail(f, err)
	}
	slog.Debug("realm opened", "handle", h.ID(), "path", h.Path())
	return &session{f: f, registry: registry, h: h}, nil
}

// finish closes the handle. A close failure is reported only if the command
// itself succeeded.
func (s *session) finish(err *error) {
	cerr := s.h.Close()
	if cerr != nil && *err == nil {
		*err = fail(s.f, cerr)
	}
}

// write runs fn in a write transaction and commits it.
func (s *session) write(ctx context.Context, fn func() error) error {
	if err := s.h.BeginTransaction(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if cerr := s.h.CancelTransaction(ctx); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	return s.h.CommitTransaction(ctx)
}

// fail reports a realm error and returns the matching exit error.
func fail(f *OutputFormatter, err error) error {
	_ = f.RealmError(err)
	return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", ErrorCode(err)), err)
}
