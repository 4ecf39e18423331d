package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/realmstore/internal/realm"
)

// SetVersionResult reports a stored schema version.
type SetVersionResult struct {
	SchemaVersion uint64 `json:"schema_version"`
}

func (r SetVersionResult) String() string {
	return fmt.Sprintf("schema version set to %d", r.SchemaVersion)
}

// CompactResult reports whether compaction ran.
type CompactResult struct {
	Compacted bool `json:"compacted"`
}

func (r CompactResult) String() string {
	if r.Compacted {
		return "compacted"
	}
	return "not compacted: the file is in use"
}

// CopyResult reports a written copy.
type CopyResult struct {
	Dest      string `json:"dest"`
	Encrypted bool   `json:"encrypted"`
}

func (r CopyResult) String() string {
	if r.Encrypted {
		return fmt.Sprintf("encrypted copy written to %s", r.Dest)
	}
	return fmt.Sprintf("copy written to %s", r.Dest)
}

// WaitResult reports whether a newer version was committed.
type WaitResult struct {
	Changed bool   `json:"changed"`
	Version string `json:"version"`
}

func (r WaitResult) String() string {
	if r.Changed {
		return fmt.Sprintf("changed (bound to %s)", r.Version)
	}
	return fmt.Sprintf("unchanged (bound to %s)", r.Version)
}

// NewSetVersionCommand creates the set-version command.
func NewSetVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set-version <version>",
		Short: "Store a schema version",
		Long: `Store the schema version in a write transaction without running a migration.

Examples:
  realmctl set-version 3 --db app.realm`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			f := newFormatter(rootOpts, cmd)
			v, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || v == realm.NotVersioned {
				_ = f.Error(ErrCodeConfig, fmt.Sprintf("invalid schema version %q", args[0]), nil)
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid schema version %q", args[0]))
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			if err := s.write(ctx, func() error { return s.h.SetSchemaVersion(ctx, v) }); err != nil {
				return fail(s.f, err)
			}
			return s.f.Success(SetVersionResult{SchemaVersion: v})
		},
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim free space in the realm file",
		Long: `Rebuild the realm file to reclaim free space.

Compaction is skipped when another process has the file open for writing.

Examples:
  realmctl compact --db app.realm`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			ok, err := s.h.Compact(cmd.Context())
			if err != nil {
				return fail(s.f, err)
			}
			return s.f.Success(CompactResult{Compacted: ok})
		},
	}
}

// NewCopyCommand creates the copy command.
func NewCopyCommand(rootOpts *RootOptions) *cobra.Command {
	var copyKeyFile string

	cmd := &cobra.Command{
		Use:   "copy <dest>",
		Short: "Write a copy of the latest committed state",
		Long: `Write the latest committed state of the realm to a new file.

The destination must not exist. With --copy-key-file the copy is encrypted
with that key, otherwise it is written unencrypted.

Examples:
  realmctl copy backup.realm --db app.realm
  realmctl copy backup.realm --db app.realm --copy-key-file backup.key`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			f := newFormatter(rootOpts, cmd)
			var key []byte
			if copyKeyFile != "" {
				key, err = realm.ReadKeyFile(copyKeyFile)
				if err != nil {
					_ = f.Error(ErrCodeConfig, err.Error(), nil)
					return WrapExitError(ExitCommandError, "invalid copy key", err)
				}
			}

			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			if err := s.h.WriteCopy(cmd.Context(), args[0], key); err != nil {
				return fail(s.f, err)
			}
			return s.f.Success(CopyResult{Dest: args[0], Encrypted: key != nil})
		},
	}

	cmd.Flags().StringVar(&copyKeyFile, "copy-key-file", "", "encrypt the copy with the key in this file")
	return cmd
}

// NewWaitCommand creates the wait command.
func NewWaitCommand(rootOpts *RootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until another writer commits",
		Long: `Open the realm and block until a newer version is committed, by this
or any other process.

With --timeout the command gives up after that long and reports no change.

Examples:
  realmctl wait --db app.realm
  realmctl wait --db app.realm --timeout 30s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			s, err := openSession(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			changed, err := s.h.WaitForChange(ctx)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return fail(s.f, err)
			}
			v, err := s.h.CurrentVersion()
			if err != nil {
				return fail(s.f, err)
			}
			return s.f.Success(WaitResult{Changed: changed, Version: v.String()})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}
