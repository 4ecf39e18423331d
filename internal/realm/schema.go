package realm

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/realmstore/internal/store"
)

// NotVersioned is the schema version of a file that never had one set.
const NotVersioned = store.NotVersioned

// TablePrefix marks tables that back classes. It is stripped from
// user-facing error messages.
const TablePrefix = "class_"

// MaxTableNameLength is the longest accepted table name, in bytes.
const MaxTableNameLength = 63

// VersionID identifies the snapshot a handle is bound to.
type VersionID struct {
	// Version is the file's commit counter.
	Version uint64

	// Index is the position within the generation. Every commit starts a new
	// generation, so a snapshot is always at index 0.
	Index uint64
}

func versionIDFor(version uint64) VersionID {
	return VersionID{Version: version}
}

// Compare returns -1, 0 or +1. Versions order by Version, then Index.
func (v VersionID) Compare(other VersionID) int {
	switch {
	case v.Version < other.Version:
		return -1
	case v.Version > other.Version:
		return 1
	case v.Index < other.Index:
		return -1
	case v.Index > other.Index:
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (v VersionID) String() string {
	return fmt.Sprintf("%d.%d", v.Version, v.Index)
}

// Schema describes the schema objects of a snapshot.
type Schema struct {
	// Version is the schema version, NotVersioned for fresh files.
	Version uint64 `json:"version"`

	// Tables lists full table names in creation order.
	Tables []string `json:"tables"`
}

// IsVersioned reports whether a schema version was ever set.
func (s Schema) IsVersioned() bool {
	return s.Version != NotVersioned
}

func schemaOf(snap store.Snapshot) Schema {
	return Schema{Version: snap.SchemaVersion, Tables: snap.TableNames()}
}

// ClassName strips TablePrefix from a table name.
func ClassName(tableName string) string {
	return strings.TrimPrefix(tableName, TablePrefix)
}

// TableNameForClass returns the table name backing a class.
func TableNameForClass(className string) string {
	return TablePrefix + className
}

// validateTableName checks a name before it reaches the store.
// Names are kept byte-exact, so non-NFC input is rejected rather than normalized.
func validateTableName(name string) error {
	switch {
	case name == "":
		return illegalArgument("Class name must not be empty.")
	case len(name) > MaxTableNameLength:
		return illegalArgument("Class name is too long: '%s' (%d > %d bytes).", ClassName(name), len(name), MaxTableNameLength)
	case !utf8.ValidString(name):
		return illegalArgument("Class name is not valid UTF-8.")
	case !norm.NFC.IsNormalString(name):
		return illegalArgument("Class name '%s' is not in Unicode normal form C.", ClassName(name))
	}
	return nil
}
