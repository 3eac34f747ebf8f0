package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore is the default, fully embedded Store backend.
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers (history lookups, status queries) and the single writer of each
// watch-group loop proceed without blocking each other. SQLite still allows
// only one writer at a time, so the connection pool is limited to a single
// connection; concurrent writers across groups serialise through it.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, enables WAL mode, and
// applies the schema. ":memory:" yields an in-memory database suitable for
// tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set WAL mode: %w", err)
	}
	// NORMAL synchronous survives application crashes; samples are
	// reproducible on the next cycle, so OS-crash durability is not worth
	// FULL's write cost here.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS samples (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    watch_group   TEXT    NOT NULL,
    sample_epoch  INTEGER NOT NULL,
    file_path     TEXT    NOT NULL,
    type          TEXT    NOT NULL,
    size          INTEGER,
    user_id       INTEGER,
    group_id      INTEGER,
    mode          INTEGER,
    last_modified REAL,
    creation_time REAL,
    md5           TEXT,
    sha256        TEXT,
    pattern_found INTEGER,
    files_count   INTEGER,
    subdirs_count INTEGER
);
CREATE INDEX IF NOT EXISTS idx_samples_group_epoch
    ON samples (watch_group, sample_epoch);
CREATE INDEX IF NOT EXISTS idx_samples_group_path
    ON samples (watch_group, file_path, sample_epoch);

CREATE TABLE IF NOT EXISTS events (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    event_uid      TEXT    NOT NULL UNIQUE,
    watch_group    TEXT    NOT NULL,
    rule_name      TEXT    NOT NULL,
    event_type     TEXT,
    severity       TEXT,
    affected_files TEXT    NOT NULL DEFAULT '[]',
    sample_epoch   INTEGER,
    timestamp      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_group_rule
    ON events (watch_group, rule_name, id);
`

// InsertSample implements Store.
func (s *SQLiteStore) InsertSample(ctx context.Context, rec SampleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples (
		     watch_group, sample_epoch, file_path, type,
		     size, user_id, group_id, mode,
		     last_modified, creation_time, md5, sha256,
		     pattern_found, files_count, subdirs_count
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WatchGroup, rec.SampleEpoch, rec.FilePath, rec.Kind,
		rec.Size, rec.UserID, rec.GroupID, rec.Mode,
		rec.LastModified, rec.CreationTime, nullString(rec.MD5), nullString(rec.SHA256),
		nullBool(rec.PatternFound), rec.FilesCount, rec.SubdirsCount,
	)
	if err != nil {
		return fmt.Errorf("storage: insert sample %s@%d: %w", rec.FilePath, rec.SampleEpoch, err)
	}
	return nil
}

// LastNSampleEpochs implements Store.
func (s *SQLiteStore) LastNSampleEpochs(ctx context.Context, group string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT sample_epoch FROM samples
		 WHERE watch_group = ?
		 ORDER BY sample_epoch DESC LIMIT ?`, group, n)
	if err != nil {
		return nil, fmt.Errorf("storage: last epochs: %w", err)
	}
	defer rows.Close()

	var epochs []int64
	for rows.Next() {
		var e int64
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("storage: last epochs scan: %w", err)
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}

// LatestSample implements Store.
func (s *SQLiteStore) LatestSample(ctx context.Context, group string) (*snapshot.Sample, error) {
	epochs, err := s.LastNSampleEpochs(ctx, group, 1)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, nil
	}
	epoch := epochs[0]

	rows, err := s.db.QueryContext(ctx,
		sampleSelect+` WHERE watch_group = ? AND sample_epoch = ?`, group, epoch)
	if err != nil {
		return nil, fmt.Errorf("storage: latest sample: %w", err)
	}
	defer rows.Close()

	sample := &snapshot.Sample{Epoch: epoch, Entries: make(map[string]snapshot.Metrics)}
	for rows.Next() {
		rec, err := scanSampleRecord(rows)
		if err != nil {
			return nil, err
		}
		sample.Entries[rec.FilePath] = rec.Metrics()
	}
	return sample, rows.Err()
}

const sampleSelect = `
	SELECT watch_group, sample_epoch, file_path, type,
	       size, user_id, group_id, mode,
	       last_modified, creation_time, md5, sha256,
	       pattern_found, files_count, subdirs_count
	FROM samples`

// rowScanner is satisfied by *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSampleRecord(row rowScanner) (SampleRecord, error) {
	var (
		rec          SampleRecord
		md5, sha256  sql.NullString
		patternFound sql.NullBool
	)
	err := row.Scan(
		&rec.WatchGroup, &rec.SampleEpoch, &rec.FilePath, &rec.Kind,
		&rec.Size, &rec.UserID, &rec.GroupID, &rec.Mode,
		&rec.LastModified, &rec.CreationTime, &md5, &sha256,
		&patternFound, &rec.FilesCount, &rec.SubdirsCount,
	)
	if err != nil {
		return rec, fmt.Errorf("storage: scan sample: %w", err)
	}
	rec.MD5 = md5.String
	rec.SHA256 = sha256.String
	if patternFound.Valid {
		v := patternFound.Bool
		rec.PatternFound = &v
	}
	return rec, nil
}

// GetSampleRecord implements Store.
func (s *SQLiteStore) GetSampleRecord(ctx context.Context, group string, epoch int64, path string) (*SampleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		sampleSelect+` WHERE watch_group = ? AND sample_epoch = ? AND file_path = ? LIMIT 1`,
		group, epoch, path)
	rec, err := scanSampleRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func isNoRows(err error) bool {
	for e := err; e != nil; {
		if e == sql.ErrNoRows {
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := e.(unwrapper)
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

// InsertEvent implements Store.
func (s *SQLiteStore) InsertEvent(ctx context.Context, rec EventRecord) error {
	files, err := json.Marshal(rec.AffectedFiles)
	if err != nil {
		return fmt.Errorf("storage: marshal affected files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.WatchGroup, rec.RuleName, rec.EventType, rec.Severity,
		string(files), rec.SampleEpoch, rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("storage: insert event %s: %w", rec.UID, err)
	}
	return nil
}

// LastEventForRule implements Store. Events store their affected paths as a
// JSON list, so candidate rows for the rule are walked newest-first until
// one containing the path is found.
func (s *SQLiteStore) LastEventForRule(ctx context.Context, group, rule, path string) (*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp
		 FROM events
		 WHERE watch_group = ? AND rule_name = ?
		 ORDER BY id DESC`, group, rule)
	if err != nil {
		return nil, fmt.Errorf("storage: last event: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		for _, f := range rec.AffectedFiles {
			if f == path {
				return &rec, nil
			}
		}
	}
	return nil, rows.Err()
}

func scanEventRecord(rows *sql.Rows) (EventRecord, error) {
	var (
		rec       EventRecord
		eventType sql.NullString
		severity  sql.NullString
		files     string
		ts        string
	)
	err := rows.Scan(&rec.UID, &rec.WatchGroup, &rec.RuleName, &eventType, &severity, &files, &rec.SampleEpoch, &ts)
	if err != nil {
		return rec, fmt.Errorf("storage: scan event: %w", err)
	}
	rec.EventType = eventType.String
	rec.Severity = severity.String
	// A malformed list leaves AffectedFiles nil rather than failing the
	// whole query; one bad row must not block dedup lookups.
	_ = json.Unmarshal([]byte(files), &rec.AffectedFiles)
	rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		rec.Timestamp, _ = time.Parse(time.RFC3339, ts)
	}
	return rec, nil
}

// Events implements Store.
func (s *SQLiteStore) Events(ctx context.Context, group string) ([]EventRecord, error) {
	query := `SELECT event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp
	          FROM events`
	var args []any
	if group != "" {
		query += ` WHERE watch_group = ?`
		args = append(args, group)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		rec, err := scanEventRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneSamples implements Store.
func (s *SQLiteStore) PruneSamples(ctx context.Context, group string, epoch int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM samples WHERE watch_group = ? AND sample_epoch < ?`, group, epoch)
	if err != nil {
		return 0, fmt.Errorf("storage: prune samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountSampleEpochs implements Store.
func (s *SQLiteStore) CountSampleEpochs(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sample_epoch) FROM samples WHERE watch_group = ?`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count epochs: %w", err)
	}
	return n, nil
}

// LastMetric implements Store. The metric is validated against the samples
// schema before interpolation; the glob is translated to a LIKE pattern.
func (s *SQLiteStore) LastMetric(ctx context.Context, group, pattern, metric string) (any, error) {
	col, err := metricColumn(metric)
	if err != nil {
		return nil, err
	}
	var v any
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM samples
		 WHERE watch_group = ? AND file_path LIKE ? ESCAPE '\'
		 ORDER BY sample_epoch DESC LIMIT 1`, col),
		group, globToLike(pattern)).Scan(&v)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: last metric: %w", err)
	}
	if metric == snapshot.FieldPatternFound {
		if i, ok := v.(int64); ok {
			return i != 0, nil
		}
	}
	return v, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
