package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	DB         string // realm file, overrides the config file's path
	ConfigPath string // YAML realm configuration
	KeyFile    string // encryption key, raw or hex
	TmpDir     string // registry temporary directory
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// LogLevel is the level of the process logger. --verbose lowers it to debug.
var LogLevel = new(slog.LevelVar)

// NewRootCommand creates the root command for the realmctl CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "realmctl",
		Short:         "realmctl - inspect and maintain realm files",
		Long:          "Open realm files, manage their tables and schema version, compact and copy them, and run handle scenarios.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Verbose {
				LogLevel.Set(slog.LevelDebug)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "realm file path")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "realm configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.KeyFile, "key-file", "", "file holding the 64-byte encryption key")
	cmd.PersistentFlags().StringVar(&opts.TmpDir, "tmp-dir", "", "temporary directory for working copies")

	cmd.AddCommand(NewInfoCommand(opts))
	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewCreateTableCommand(opts))
	cmd.AddCommand(NewRenameTableCommand(opts))
	cmd.AddCommand(NewRemoveTableCommand(opts))
	cmd.AddCommand(NewSetVersionCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewCopyCommand(opts))
	cmd.AddCommand(NewWaitCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
