package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/realmstore/internal/realm"
)

// InfoResult describes an open realm.
type InfoResult struct {
	Path          string   `json:"path"`
	Version       string   `json:"version"`
	SchemaVersion *uint64  `json:"schema_version"` // nil when not versioned
	Encrypted     bool     `json:"encrypted"`
	Tables        []string `json:"tables"`
}

func (r InfoResult) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Path:           %s\n", r.Path)
	fmt.Fprintf(&buf, "Version:        %s\n", r.Version)
	if r.SchemaVersion == nil {
		fmt.Fprintf(&buf, "Schema version: not versioned\n")
	} else {
		fmt.Fprintf(&buf, "Schema version: %d\n", *r.SchemaVersion)
	}
	fmt.Fprintf(&buf, "Encrypted:      %t\n", r.Encrypted)
	fmt.Fprintf(&buf, "Tables:         %d", len(r.Tables))
	return buf.String()
}

// TablesResult lists table names in creation order.
type TablesResult struct {
	Tables []string `json:"tables"`
}

func (r TablesResult) String() string {
	if len(r.Tables) == 0 {
		return "No tables."
	}
	return strings.Join(r.Tables, "\n")
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show version, schema version and table count",
		Long: `Open the realm and describe its current snapshot.

Examples:
  realmctl info --db app.realm
  realmctl info --config realm.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			v, err := s.h.CurrentVersion()
			if err != nil {
				return fail(s.f, err)
			}
			schema, err := s.h.Schema(cmd.Context())
			if err != nil {
				return fail(s.f, err)
			}
			result := InfoResult{
				Path:      s.h.Path(),
				Version:   v.String(),
				Encrypted: s.h.Config().EncryptionKey != nil,
				Tables:    schema.Tables,
			}
			if schema.IsVersioned() {
				result.SchemaVersion = &schema.Version
			}
			return s.f.Success(result)
		},
	}
}

// NewTablesCommand creates the tables command.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	var classes bool

	cmd := &cobra.Command{
		Use:   "tables",
		Short: "List tables in creation order",
		Long: `List the realm's tables in creation order.

With --classes, only tables backing classes are listed, by class name.

Examples:
  realmctl tables --db app.realm
  realmctl tables --db app.realm --classes`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd.Context(), rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.finish(&err)

			n, err := s.h.Size(cmd.Context())
			if err != nil {
				return fail(s.f, err)
			}
			result := TablesResult{Tables: make([]string, 0, n)}
			for i := range n {
				name, err := s.h.TableName(cmd.Context(), i)
				if err != nil {
					return fail(s.f, err)
				}
				if classes {
					if !strings.HasPrefix(name, realm.TablePrefix) {
						continue
					}
					name = realm.ClassName(name)
				}
				result.Tables = append(result.Tables, name)
			}
			return s.f.Success(result)
		},
	}

	cmd.Flags().BoolVar(&classes, "classes", false, "list class tables by class name")
	return cmd
}
