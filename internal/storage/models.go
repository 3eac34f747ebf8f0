package storage

import (
	"time"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// SampleRecord is one row of the samples relation: the metrics of a single
// path inside a single sample epoch.
type SampleRecord struct {
	WatchGroup   string
	SampleEpoch  int64
	FilePath     string
	Kind         string
	Size         int64
	UserID       int64
	GroupID      int64
	Mode         int64
	LastModified float64
	CreationTime float64
	MD5          string
	SHA256       string
	PatternFound *bool
	FilesCount   int64
	SubdirsCount int64
}

// NewSampleRecord flattens one sample entry into its storage row.
func NewSampleRecord(group string, epoch int64, path string, m snapshot.Metrics) SampleRecord {
	return SampleRecord{
		WatchGroup:   group,
		SampleEpoch:  epoch,
		FilePath:     path,
		Kind:         string(m.Kind),
		Size:         m.Size,
		UserID:       int64(m.UserID),
		GroupID:      int64(m.GroupID),
		Mode:         int64(m.Mode),
		LastModified: m.LastModified,
		CreationTime: m.CreationTime,
		MD5:          m.MD5,
		SHA256:       m.SHA256,
		PatternFound: m.PatternFound,
		FilesCount:   m.FilesCount,
		SubdirsCount: m.SubdirsCount,
	}
}

// Metrics reconstitutes the snapshot form of this row.
func (r SampleRecord) Metrics() snapshot.Metrics {
	return snapshot.Metrics{
		Kind:         snapshot.Kind(r.Kind),
		Size:         r.Size,
		UserID:       uint32(r.UserID),
		GroupID:      uint32(r.GroupID),
		Mode:         uint32(r.Mode),
		LastModified: r.LastModified,
		CreationTime: r.CreationTime,
		MD5:          r.MD5,
		SHA256:       r.SHA256,
		PatternFound: r.PatternFound,
		FilesCount:   r.FilesCount,
		SubdirsCount: r.SubdirsCount,
	}
}

// EventRecord is one row of the events relation.
type EventRecord struct {
	// UID is a globally unique event identifier (UUIDv4).
	UID        string `json:"uid"`
	WatchGroup string `json:"watch_group"`
	RuleName   string `json:"rule_name"`
	EventType  string `json:"event_type"`
	Severity   string `json:"severity"`
	// AffectedFiles is serialized as a JSON array in storage.
	AffectedFiles []string  `json:"affected_files"`
	SampleEpoch   int64     `json:"sample_epoch"`
	Timestamp     time.Time `json:"timestamp"`
}
