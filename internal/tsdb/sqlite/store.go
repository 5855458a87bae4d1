// Package sqlite keeps time series in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

// Store implements tsdb.Store on one SQLite table. Grouping happens in Go
// after the range filter runs in SQL.
type Store struct {
	db     *sql.DB
	logger *logging.Logger
}

// Open connects to the database at path and runs the migration.
func Open(path string, logger *logging.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database not responding: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigration(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("tsdb.sqlite.opened", "SQLite time-series store ready", map[string]interface{}{
		"path": path,
	})
	return &Store{db: db, logger: logger}, nil
}

func runMigration(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS points (
		id INTEGER PRIMARY KEY,
		bucket TEXT NOT NULL,
		measurement TEXT NOT NULL,
		tags TEXT NOT NULL,
		fields TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_points_bucket_ts ON points (bucket, ts);
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate points table: %w", err)
	}
	return nil
}

func (s *Store) WritePoint(ctx context.Context, bucket string, p tsdb.Point) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO points (bucket, measurement, tags, fields, ts) VALUES (?, ?, ?, ?, ?)`,
		bucket, p.Measurement, string(tags), string(fields), p.Time.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert point: %w", err)
	}
	return nil
}

func (s *Store) QueryRange(ctx context.Context, q tsdb.Query) ([]tsdb.Group, error) {
	where, args := rangeClause(q.Bucket, q.Start, q.Stop, "")
	points, err := s.selectPoints(ctx, where, args)
	if err != nil {
		return nil, err
	}
	return tsdb.Aggregate(points, q), nil
}

func (s *Store) Delete(ctx context.Context, bucket string, start, stop time.Time, measurement string) error {
	where, args := rangeClause(bucket, start, stop, measurement)
	res, err := s.db.ExecContext(ctx, `DELETE FROM points WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("tsdb.sqlite.deleted", "Deleted points", map[string]interface{}{
			"bucket": bucket,
			"rows":   n,
		})
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context, bucket string) ([]tsdb.Point, error) {
	where, args := rangeClause(bucket, time.Time{}, time.Time{}, "")
	return s.selectPoints(ctx, where, args)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rangeClause(bucket string, start, stop time.Time, measurement string) (string, []interface{}) {
	clauses := []string{"bucket = ?"}
	args := []interface{}{bucket}
	if !start.IsZero() {
		clauses = append(clauses, "ts >= ?")
		args = append(args, start.UTC().UnixNano())
	}
	if !stop.IsZero() {
		clauses = append(clauses, "ts < ?")
		args = append(args, stop.UTC().UnixNano())
	}
	if measurement != "" {
		clauses = append(clauses, "measurement = ?")
		args = append(args, measurement)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *Store) selectPoints(ctx context.Context, where string, args []interface{}) ([]tsdb.Point, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT measurement, tags, fields, ts FROM points WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	defer rows.Close()

	var points []tsdb.Point
	for rows.Next() {
		var (
			p      tsdb.Point
			tags   string
			fields string
			ts     int64
		)
		if err := rows.Scan(&p.Measurement, &tags, &fields, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
			return nil, fmt.Errorf("failed to decode tags: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &p.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields: %w", err)
		}
		p.Time = time.Unix(0, ts).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}
