package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eventwatcher/eventwatcher/internal/snapshot"
)

// PostgresStore is the pgxpool-backed Store for deployments with an existing
// PostgreSQL server. Semantics match SQLiteStore exactly; only placeholders
// and column types differ.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connStr, pings the database, and applies the
// schema (idempotent).
func OpenPostgres(ctx context.Context, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS samples (
    id            BIGSERIAL PRIMARY KEY,
    watch_group   TEXT             NOT NULL,
    sample_epoch  BIGINT           NOT NULL,
    file_path     TEXT             NOT NULL,
    type          TEXT             NOT NULL,
    size          BIGINT,
    user_id       BIGINT,
    group_id      BIGINT,
    mode          BIGINT,
    last_modified DOUBLE PRECISION,
    creation_time DOUBLE PRECISION,
    md5           TEXT,
    sha256        TEXT,
    pattern_found BOOLEAN,
    files_count   BIGINT,
    subdirs_count BIGINT
);
CREATE INDEX IF NOT EXISTS idx_samples_group_epoch
    ON samples (watch_group, sample_epoch);
CREATE INDEX IF NOT EXISTS idx_samples_group_path
    ON samples (watch_group, file_path, sample_epoch);

CREATE TABLE IF NOT EXISTS events (
    id             BIGSERIAL PRIMARY KEY,
    event_uid      TEXT        NOT NULL UNIQUE,
    watch_group    TEXT        NOT NULL,
    rule_name      TEXT        NOT NULL,
    event_type     TEXT,
    severity       TEXT,
    affected_files TEXT        NOT NULL DEFAULT '[]',
    sample_epoch   BIGINT,
    timestamp      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_group_rule
    ON events (watch_group, rule_name, id);
`

// InsertSample implements Store.
func (s *PostgresStore) InsertSample(ctx context.Context, rec SampleRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO samples (
		     watch_group, sample_epoch, file_path, type,
		     size, user_id, group_id, mode,
		     last_modified, creation_time, md5, sha256,
		     pattern_found, files_count, subdirs_count
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.WatchGroup, rec.SampleEpoch, rec.FilePath, rec.Kind,
		rec.Size, rec.UserID, rec.GroupID, rec.Mode,
		rec.LastModified, rec.CreationTime, nullString(rec.MD5), nullString(rec.SHA256),
		rec.PatternFound, rec.FilesCount, rec.SubdirsCount,
	)
	if err != nil {
		return fmt.Errorf("storage: insert sample %s@%d: %w", rec.FilePath, rec.SampleEpoch, err)
	}
	return nil
}

// LastNSampleEpochs implements Store.
func (s *PostgresStore) LastNSampleEpochs(ctx context.Context, group string, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT sample_epoch FROM samples
		 WHERE watch_group = $1
		 ORDER BY sample_epoch DESC LIMIT $2`, group, n)
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

const pgSampleSelect = `
	SELECT watch_group, sample_epoch, file_path, type,
	       size, user_id, group_id, mode,
	       last_modified, creation_time, md5, sha256,
	       pattern_found, files_count, subdirs_count
	FROM samples`

func scanPgSampleRecord(row pgx.Row) (SampleRecord, error) {
	var (
		rec          SampleRecord
		md5, sha256  *string
		patternFound *bool
	)
	err := row.Scan(
		&rec.WatchGroup, &rec.SampleEpoch, &rec.FilePath, &rec.Kind,
		&rec.Size, &rec.UserID, &rec.GroupID, &rec.Mode,
		&rec.LastModified, &rec.CreationTime, &md5, &sha256,
		&patternFound, &rec.FilesCount, &rec.SubdirsCount,
	)
	if err != nil {
		return rec, err
	}
	if md5 != nil {
		rec.MD5 = *md5
	}
	if sha256 != nil {
		rec.SHA256 = *sha256
	}
	rec.PatternFound = patternFound
	return rec, nil
}

// LatestSample implements Store.
func (s *PostgresStore) LatestSample(ctx context.Context, group string) (*snapshot.Sample, error) {
	epochs, err := s.LastNSampleEpochs(ctx, group, 1)
	if err != nil {
		return nil, err
	}
	if len(epochs) == 0 {
		return nil, nil
	}
	epoch := epochs[0]

	rows, err := s.pool.Query(ctx,
		pgSampleSelect+` WHERE watch_group = $1 AND sample_epoch = $2`, group, epoch)
	if err != nil {
		return nil, fmt.Errorf("storage: latest sample: %w", err)
	}
	defer rows.Close()

	sample := &snapshot.Sample{Epoch: epoch, Entries: make(map[string]snapshot.Metrics)}
	for rows.Next() {
		rec, err := scanPgSampleRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan sample: %w", err)
		}
		sample.Entries[rec.FilePath] = rec.Metrics()
	}
	return sample, rows.Err()
}

// GetSampleRecord implements Store.
func (s *PostgresStore) GetSampleRecord(ctx context.Context, group string, epoch int64, path string) (*SampleRecord, error) {
	row := s.pool.QueryRow(ctx,
		pgSampleSelect+` WHERE watch_group = $1 AND sample_epoch = $2 AND file_path = $3 LIMIT 1`,
		group, epoch, path)
	rec, err := scanPgSampleRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: get sample record: %w", err)
	}
	return &rec, nil
}

// InsertEvent implements Store.
func (s *PostgresStore) InsertEvent(ctx context.Context, rec EventRecord) error {
	files, err := json.Marshal(rec.AffectedFiles)
	if err != nil {
		return fmt.Errorf("storage: marshal affected files: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO events (event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.UID, rec.WatchGroup, rec.RuleName, rec.EventType, rec.Severity,
		string(files), rec.SampleEpoch, rec.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: insert event %s: %w", rec.UID, err)
	}
	return nil
}

func scanPgEventRecord(rows pgx.Rows) (EventRecord, error) {
	var (
		rec       EventRecord
		eventType *string
		severity  *string
		files     string
		ts        time.Time
	)
	err := rows.Scan(&rec.UID, &rec.WatchGroup, &rec.RuleName, &eventType, &severity, &files, &rec.SampleEpoch, &ts)
	if err != nil {
		return rec, fmt.Errorf("storage: scan event: %w", err)
	}
	if eventType != nil {
		rec.EventType = *eventType
	}
	if severity != nil {
		rec.Severity = *severity
	}
	_ = json.Unmarshal([]byte(files), &rec.AffectedFiles)
	rec.Timestamp = ts
	return rec, nil
}

// LastEventForRule implements Store.
func (s *PostgresStore) LastEventForRule(ctx context.Context, group, rule, path string) (*EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp
		 FROM events
		 WHERE watch_group = $1 AND rule_name = $2
		 ORDER BY id DESC`, group, rule)
	if err != nil {
		return nil, fmt.Errorf("storage: last event: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanPgEventRecord(rows)
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

// Events implements Store.
func (s *PostgresStore) Events(ctx context.Context, group string) ([]EventRecord, error) {
	query := `SELECT event_uid, watch_group, rule_name, event_type, severity, affected_files, sample_epoch, timestamp
	          FROM events`
	var args []any
	if group != "" {
		query += ` WHERE watch_group = $1`
		args = append(args, group)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		rec, err := scanPgEventRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneSamples implements Store.
func (s *PostgresStore) PruneSamples(ctx context.Context, group string, epoch int64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM samples WHERE watch_group = $1 AND sample_epoch < $2`, group, epoch)
	if err != nil {
		return 0, fmt.Errorf("storage: prune samples: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountSampleEpochs implements Store.
func (s *PostgresStore) CountSampleEpochs(ctx context.Context, group string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT sample_epoch) FROM samples WHERE watch_group = $1`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count epochs: %w", err)
	}
	return n, nil
}

// LastMetric implements Store.
func (s *PostgresStore) LastMetric(ctx context.Context, group, pattern, metric string) (any, error) {
	col, err := metricColumn(metric)
	if err != nil {
		return nil, err
	}
	var v any
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM samples
		 WHERE watch_group = $1 AND file_path LIKE $2 ESCAPE '\'
		 ORDER BY sample_epoch DESC LIMIT 1`, col),
		group, globToLike(pattern)).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: last metric: %w", err)
	}
	return v, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
