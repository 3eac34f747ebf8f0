// Package storage is the append-only persistence contract for samples and
// events, with the point lookups the duplicate-suppression logic depends on.
// Two backends implement it: a WAL-mode SQLite store (the default, fully
// embedded) and a PostgreSQL store for deployments that already run one.
//
// Rows are partitioned by watch group and every operation is a single
// self-contained read or write; there are no cross-unit transactions, so
// concurrent loops across watch groups never contend on the same logical
// rows.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// Store is the persistence interface consumed by the monitor loops, the
// rule evaluator's history lookup, and the retention pruner.
type Store interface {
	// InsertSample appends one sample row.
	InsertSample(ctx context.Context, rec SampleRecord) error

	// LastNSampleEpochs returns up to n distinct sample epochs for the
	// group, most recent first.
	LastNSampleEpochs(ctx context.Context, group string, n int) ([]int64, error)

	// LatestSample reassembles the most recent persisted Sample for the
	// group, or nil when none exists.
	LatestSample(ctx context.Context, group string) (*snapshot.Sample, error)

	// GetSampleRecord fetches a single row by its natural key, or nil when
	// absent.
	GetSampleRecord(ctx context.Context, group string, epoch int64, path string) (*SampleRecord, error)

	// InsertEvent appends one event row.
	InsertEvent(ctx context.Context, rec EventRecord) error

	// LastEventForRule returns the most recent event of the given rule that
	// affected path, or nil when none exists.
	LastEventForRule(ctx context.Context, group, rule, path string) (*EventRecord, error)

	// Events returns every stored event for the group (all groups when the
	// group is empty), oldest first.
	Events(ctx context.Context, group string) ([]EventRecord, error)

	// PruneSamples deletes all sample rows of the group older than epoch
	// and reports how many rows were removed.
	PruneSamples(ctx context.Context, group string, epoch int64) (int64, error)

	// CountSampleEpochs reports the number of distinct sample epochs stored
	// for the group.
	CountSampleEpochs(ctx context.Context, group string) (int, error)

	// LastMetric returns the most recently sampled value of metric across
	// paths matching a glob pattern, or nil when no row matches. This backs
	// the predicate language's history() lookup.
	LastMetric(ctx context.Context, group, pattern, metric string) (any, error)

	// Close releases the backend's resources.
	Close() error
}

// metricColumns whitelists the metric names history lookups may reference.
// The metric is interpolated into SQL as a column name, so anything outside
// this set is rejected before it reaches a query.
var metricColumns = map[string]bool{
	snapshot.FieldKind:         true,
	snapshot.FieldSize:         true,
	snapshot.FieldUserID:       true,
	snapshot.FieldGroupID:      true,
	snapshot.FieldMode:         true,
	snapshot.FieldLastModified: true,
	snapshot.FieldCreationTime: true,
	snapshot.FieldMD5:          true,
	snapshot.FieldSHA256:       true,
	snapshot.FieldPatternFound: true,
	snapshot.FieldFilesCount:   true,
	snapshot.FieldSubdirsCount: true,
}

// metricColumn validates metric against the samples schema.
func metricColumn(metric string) (string, error) {
	if !metricColumns[metric] {
		return "", fmt.Errorf("storage: unknown metric %q", metric)
	}
	return metric, nil
}

// globToLike translates a shell-style glob into a SQL LIKE pattern, escaping
// the LIKE metacharacters with backslash.
func globToLike(glob string) string {
	var sb strings.Builder
	for _, r := range glob {
		switch r {
		case '*':
			sb.WriteByte('%')
		case '?':
			sb.WriteByte('_')
		case '%', '_', '\\':
			sb.WriteByte('\\')
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
