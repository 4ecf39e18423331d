package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/realmstore/internal/realm"
)

// TableResult reports a table mutation.
type TableResult struct {
	Action string `json:"action"`
	Table  string `json:"table"`
	From   string `json:"from,omitempty"`
}

func (r TableResult) String() string {
	if r.From != "" {
		return fmt.Sprintf("%s %s -> %s", r.Action, r.From, r.Table)
	}
	return fmt.Sprintf("%s %s", r.Action, r.Table)
}

// tableName applies --class, which names tables by class name.
func tableName(name string, class bool) string {
	if class {
		return realm.TableNameForClass(name)
	}
	return name
}

// runTableWrite opens the realm, runs fn in a write transaction and prints result.
func runTableWrite(cmd *cobra.Command, rootOpts *RootOptions, result TableResult, fn func(ctx context.Context, h *realm.Handle) error) (err error) {
	ctx := cmd.Context()
	s, err := openSession(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer s.finish(&err)

	if err := s.write(ctx, func() error { return fn(ctx, s.h) }); err != nil {
		return fail(s.f, err)
	}
	return s.f.Success(result)
}

// NewCreateTableCommand creates the create-table command.
func NewCreateTableCommand(rootOpts *RootOptions) *cobra.Command {
	var class bool

	cmd := &cobra.Command{
		Use:   "create-table <name>",
		Short: "Create a table",
		Long: `Create a table in a write transaction.

Examples:
  realmctl create-table class_Person --db app.realm
  realmctl create-table Person --class --db app.realm`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := tableName(args[0], class)
			return runTableWrite(cmd, rootOpts, TableResult{Action: "created", Table: name},
				func(ctx context.Context, h *realm.Handle) error {
					_, err := h.CreateTable(ctx, name)
					return err
				})
		},
	}

	cmd.Flags().BoolVar(&class, "class", false, "treat the name as a class name")
	return cmd
}

// NewRenameTableCommand creates the rename-table command.
func NewRenameTableCommand(rootOpts *RootOptions) *cobra.Command {
	var class bool

	cmd := &cobra.Command{
		Use:   "rename-table <old> <new>",
		Short: "Rename a table",
		Long: `Rename a table in a write transaction.

Examples:
  realmctl rename-table class_Person class_People --db app.realm`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := tableName(args[0], class), tableName(args[1], class)
			return runTableWrite(cmd, rootOpts, TableResult{Action: "renamed", Table: to, From: from},
				func(ctx context.Context, h *realm.Handle) error {
					return h.RenameTable(ctx, from, to)
				})
		},
	}

	cmd.Flags().BoolVar(&class, "class", false, "treat the names as class names")
	return cmd
}

// NewRemoveTableCommand creates the remove-table command.
func NewRemoveTableCommand(rootOpts *RootOptions) *cobra.Command {
	var class bool

	cmd := &cobra.Command{
		Use:   "remove-table <name>",
		Short: "Remove a table",
		Long: `Remove a table in a write transaction.

Examples:
  realmctl remove-table class_Person --db app.realm`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			name := tableName(args[0], class)
			return runTableWrite(cmd, rootOpts, TableResult{Action: "removed", Table: name},
				func(ctx context.Context, h *realm.Handle) error {
					return h.RemoveTable(ctx, name)
				})
		},
	}

	cmd.Flags().BoolVar(&class, "class", false, "treat the name as a class name")
	return cmd
}
