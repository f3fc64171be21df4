package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/breadboard/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSketch(ctx context.Context, sk *storage.Sketch) error {
	now := time.Now().UTC()
	sk.CreatedAt = now
	sk.UpdatedAt = now

	headers, err := marshalHeaders(sk.Headers)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sketches (id, name, code, headers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sk.ID, sk.Name, sk.Code, headers,
		sk.CreatedAt.Format(time.RFC3339), sk.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting sketch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSketch(ctx context.Context, id string) (*storage.Sketch, error) {
	// Try exact match first, then prefix match
	sk, err := s.getSketchExact(ctx, id)
	if err == nil {
		return sk, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, headers, created_at, updated_at
		FROM sketches WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying sketch: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Sketch
	for rows.Next() {
		sk, err := scanSketch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sk)
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("sketch not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous sketch prefix %q matches %d sketches", id, len(matches))
	}
}

func (s *SQLiteStore) getSketchExact(ctx context.Context, id string) (*storage.Sketch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, code, headers, created_at, updated_at
		FROM sketches WHERE id = ?`, id)
	return scanSketchRow(row)
}

func (s *SQLiteStore) ListSketches(ctx context.Context, opts storage.ListOptions) ([]storage.Sketch, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, code, headers, created_at, updated_at
		FROM sketches ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing sketches: %w", err)
	}
	defer rows.Close()

	var sketches []storage.Sketch
	for rows.Next() {
		sk, err := scanSketch(rows)
		if err != nil {
			return nil, err
		}
		sketches = append(sketches, *sk)
	}
	return sketches, rows.Err()
}

func (s *SQLiteStore) UpdateSketch(ctx context.Context, sk *storage.Sketch) error {
	sk.UpdatedAt = time.Now().UTC()

	headers, err := marshalHeaders(sk.Headers)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sketches SET name = ?, code = ?, headers = ?, updated_at = ?
		WHERE id = ?`,
		sk.Name, sk.Code, headers, sk.UpdatedAt.Format(time.RFC3339), sk.ID)
	if err != nil {
		return fmt.Errorf("updating sketch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sketch not found: %s", sk.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteSketch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sketches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting sketch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sketch not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func marshalHeaders(h map[string]string) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encoding headers: %w", err)
	}
	return string(b), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSketch(s scanner) (*storage.Sketch, error) {
	var sk storage.Sketch
	var headers, created, updated string
	if err := s.Scan(&sk.ID, &sk.Name, &sk.Code, &headers, &created, &updated); err != nil {
		return nil, fmt.Errorf("scanning sketch: %w", err)
	}
	if err := json.Unmarshal([]byte(headers), &sk.Headers); err != nil {
		return nil, fmt.Errorf("decoding headers: %w", err)
	}
	sk.CreatedAt, _ = time.Parse(time.RFC3339, created)
	sk.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &sk, nil
}

func scanSketchRow(row *sql.Row) (*storage.Sketch, error) {
	sk, err := scanSketch(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sketch not found")
		}
		return nil, err
	}
	return sk, nil
}
