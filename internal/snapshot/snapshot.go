// Package snapshot defines the point-in-time filesystem state types shared by
// the sampler, differ, rule evaluator, and storage layer. A Sample is the unit
// of persistence and comparison: one immutable mapping of path to Metrics,
// keyed by the unix epoch at which it was taken.
package snapshot

// Kind distinguishes file entries from directory entries.
type Kind string

const (
	// KindFile marks a regular-file entry.
	KindFile Kind = "file"
	// KindDirectory marks a directory entry.
	KindDirectory Kind = "directory"
)

// Canonical field names. These are the keys used in diff output, in rule
// expressions (file.size, prev_file.md5, ...), and as storage column names,
// so they must stay stable across all three layers.
const (
	FieldKind         = "type"
	FieldSize         = "size"
	FieldUserID       = "user_id"
	FieldGroupID      = "group_id"
	FieldMode         = "mode"
	FieldLastModified = "last_modified"
	FieldCreationTime = "creation_time"
	FieldMD5          = "md5"
	FieldSHA256       = "sha256"
	FieldPatternFound = "pattern_found"
	FieldFilesCount   = "files_count"
	FieldSubdirsCount = "subdirs_count"
)

// FieldNames lists every comparable field in a fixed order. The sample epoch
// is deliberately absent: it differs between any two samples by construction
// and must never count as a modification.
var FieldNames = []string{
	FieldKind,
	FieldSize,
	FieldUserID,
	FieldGroupID,
	FieldMode,
	FieldLastModified,
	FieldCreationTime,
	FieldMD5,
	FieldSHA256,
	FieldPatternFound,
	FieldFilesCount,
	FieldSubdirsCount,
}

// Metrics is the per-path record collected by the sampler.
//
// Timestamps are unix seconds as float64 so that rule expressions can do
// plain arithmetic against `now` without conversions, and so that the stored
// representation round-trips exactly through the REAL columns in the samples
// relation.
type Metrics struct {
	// Kind is "file" or "directory".
	Kind Kind
	// Size is the file size in bytes, or the aggregated descendant size for
	// directories. -1 when a directory aggregation was abandoned.
	Size int64
	// UserID and GroupID are the numeric owner ids from the stat call.
	UserID  uint32
	GroupID uint32
	// Mode holds the raw permission/mode bits.
	Mode uint32
	// LastModified and CreationTime are unix seconds. CreationTime falls back
	// to the inode change time on platforms without a birth timestamp.
	LastModified float64
	CreationTime float64
	// MD5 and SHA256 are lowercase hex content digests. Empty for
	// directories and for files that could not be read.
	MD5    string
	SHA256 string
	// PatternFound reports whether the configured content pattern was seen in
	// the file. Nil when no pattern is configured, for directories, and for
	// unreadable files.
	PatternFound *bool
	// FilesCount and SubdirsCount are descendant counts for directories.
	// -1 when an aggregation was abandoned; 0 for files.
	FilesCount   int64
	SubdirsCount int64
	// TimedOut marks a directory whose aggregation exceeded its time budget.
	// It annotates the scan that produced this record and is excluded from
	// field comparison and persistence.
	TimedOut bool
}

// Field returns the value of the named comparable field. The bool result is
// false for unknown names. PatternFound is surfaced as nil (untyped) when
// unset so that comparisons against absent values behave uniformly.
func (m Metrics) Field(name string) (any, bool) {
	switch name {
	case FieldKind:
		return string(m.Kind), true
	case FieldSize:
		return m.Size, true
	case FieldUserID:
		return int64(m.UserID), true
	case FieldGroupID:
		return int64(m.GroupID), true
	case FieldMode:
		return int64(m.Mode), true
	case FieldLastModified:
		return m.LastModified, true
	case FieldCreationTime:
		return m.CreationTime, true
	case FieldMD5:
		return m.MD5, true
	case FieldSHA256:
		return m.SHA256, true
	case FieldPatternFound:
		if m.PatternFound == nil {
			return nil, true
		}
		return *m.PatternFound, true
	case FieldFilesCount:
		return m.FilesCount, true
	case FieldSubdirsCount:
		return m.SubdirsCount, true
	}
	return nil, false
}

// Fields returns all comparable fields as a name→value map, in the shape the
// differ iterates and rule expressions select from.
func (m Metrics) Fields() map[string]any {
	out := make(map[string]any, len(FieldNames))
	for _, name := range FieldNames {
		v, _ := m.Field(name)
		out[name] = v
	}
	return out
}

// SameIdentity reports whether two records agree on the identity fields used
// for duplicate suppression: content hashes and modification time. Ownership
// and permission changes are intentionally not part of identity.
func SameIdentity(a, b Metrics) bool {
	return a.MD5 == b.MD5 && a.SHA256 == b.SHA256 && a.LastModified == b.LastModified
}

// Sample is one snapshot of a watch group's paths. Immutable once produced;
// uniquely identified by (watch group, Epoch).
type Sample struct {
	// Epoch is the unix time at which collection started.
	Epoch int64
	// Entries maps absolute path to its collected Metrics.
	Entries map[string]Metrics
}

// Bool is a convenience for building PatternFound pointers.
func Bool(v bool) *bool { return &v }
