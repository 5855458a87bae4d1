// Package jsonl stores each bucket as an append-only JSON-lines file.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"vmenergy/internal/fsutil"
	"vmenergy/internal/logging"
	"vmenergy/internal/tsdb"
)

// Store writes points to <dir>/<bucket>.jsonl.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *logging.Logger
}

// New creates the directory if needed.
func New(dir string, logger *logging.Logger) (*Store, error) {
	if err := fsutil.EnsureStateDirectory(dir); err != nil {
		return nil, err
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) path(bucket string) string {
	return filepath.Join(s.dir, bucket+".jsonl")
}

// WritePoint appends one line.
func (s *Store) WritePoint(_ context.Context, bucket string, p tsdb.Point) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal point: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path(bucket), os.O_APPEND|os.O_CREATE|os.O_WRONLY, fsutil.DefaultFilePermissions)
	if err != nil {
		return fmt.Errorf("failed to open bucket file: %w", err)
	}
	defer fsutil.CloseWithError(file.Close, s.logger, bucket)

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write point: %w", err)
	}
	return nil
}

// QueryRange scans the bucket file.
func (s *Store) QueryRange(ctx context.Context, q tsdb.Query) ([]tsdb.Group, error) {
	points, err := s.ReadAll(ctx, q.Bucket)
	if err != nil {
		return nil, err
	}
	return tsdb.Aggregate(points, q), nil
}

// Delete rewrites the bucket file without the matching points.
func (s *Store) Delete(_ context.Context, bucket string, start, stop time.Time, measurement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, err := s.readLocked(bucket)
	if err != nil {
		return err
	}
	kept := tsdb.Retain(points, start, stop, measurement)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range kept {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("failed to marshal point: %w", err)
		}
	}
	return fsutil.AtomicWriteFile(s.path(bucket), buf.Bytes(), fsutil.DefaultFilePermissions, s.logger)
}

// ReadAll decodes the bucket file. Malformed lines are logged and skipped.
func (s *Store) ReadAll(_ context.Context, bucket string) ([]tsdb.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(bucket)
}

func (s *Store) readLocked(bucket string) ([]tsdb.Point, error) {
	file, err := os.Open(s.path(bucket))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket file: %w", err)
	}
	defer fsutil.CloseWithError(file.Close, s.logger, bucket)

	var points []tsdb.Point
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var p tsdb.Point
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			s.logger.Warn("tsdb.jsonl.corrupt_line", "Skipping malformed line", map[string]interface{}{
				"bucket": bucket,
				"line":   line,
				"error":  err.Error(),
			})
			continue
		}
		points = append(points, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bucket file: %w", err)
	}
	return points, nil
}

// Close is a no-op; files are opened per operation.
func (s *Store) Close() error { return nil }
