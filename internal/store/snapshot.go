package store

import "math"

// NotVersioned is the schema version of a file whose schema was never set.
const NotVersioned uint64 = math.MaxUint64

// TableInfo identifies one schema object in the catalog.
type TableInfo struct {
	Ordinal int64
	Name    string
}

// Snapshot is the catalog as seen by one transaction.
type Snapshot struct {
	// Version is the commit counter at the time the snapshot was pinned.
	Version uint64

	// SchemaVersion is NotVersioned for files that never had one set.
	SchemaVersion uint64

	// Tables lists schema objects in creation order. Never nil.
	Tables []TableInfo
}

// Lookup finds a table by its full stored name. Comparison is exact.
func (s Snapshot) Lookup(name string) (TableInfo, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableInfo{}, false
}

// TableNames returns table names in creation order.
func (s Snapshot) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// SameShape reports whether two snapshots have identical schema objects and schema version.
func (s Snapshot) SameShape(other Snapshot) bool {
	if s.SchemaVersion != other.SchemaVersion || len(s.Tables) != len(other.Tables) {
		return false
	}
	for i := range s.Tables {
		if s.Tables[i] != other.Tables[i] {
			return false
		}
	}
	return true
}
