// Package undo keeps the superblock image of a volume as it was before each
// tuning session, so a session can be reverted.
package undo

import (
	"context"
	_ "crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/opencontainers/go-digest"
)

var (
	ErrNoRecord       = errors.New("no undo record for device")
	ErrDigestMismatch = errors.New("undo record digest mismatch")
)

type Record struct {
	ID        string
	Device    string
	Digest    digest.Digest
	Image     []byte
	CreatedAt time.Time
}

// Verify checks the stored image against the digest taken when it was
// recorded.
func (r *Record) Verify() error {
	if err := r.Digest.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	if got := r.Digest.Algorithm().FromBytes(r.Image); got != r.Digest {
		return fmt.Errorf("%w: record %s has %s, image hashes to %s", ErrDigestMismatch, r.ID, r.Digest, got)
	}
	return nil
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the undo database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating undo dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening undo database %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening undo database %s: %w", path, err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// deviceKey normalises device paths so relative and absolute spellings of
// the same volume share records.
func deviceKey(device string) string {
	if abs, err := filepath.Abs(device); err == nil {
		return abs
	}
	return filepath.Clean(device)
}

// Record stores image as the pre-session superblock of device.
func (s *Store) Record(ctx context.Context, device string, image []byte) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("error generating undo record uuid: %w", err)
	}
	now := time.Now()

	rec := &Record{
		ID:        id.String(),
		Device:    deviceKey(device),
		Digest:    digest.FromBytes(image),
		Image:     image,
		CreatedAt: time.Unix(0, now.UnixNano()),
	}

	query := `
		INSERT INTO undo_records (id, device, digest, image, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.Device, rec.Digest.String(), rec.Image, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("storing undo record: %w", err)
	}

	s.logger.DebugContext(ctx, "recorded undo image", "device", rec.Device, "id", rec.ID, "digest", rec.Digest)

	return rec, nil
}

// Latest returns the most recent record for device.
func (s *Store) Latest(ctx context.Context, device string) (*Record, error) {
	query := `
		SELECT id, device, digest, image, created_at
		FROM undo_records
		WHERE device = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, deviceKey(device)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoRecord, device)
	}
	if err != nil {
		return nil, fmt.Errorf("loading undo record: %w", err)
	}

	return rec, nil
}

// List returns every record for device, newest first.
func (s *Store) List(ctx context.Context, device string) ([]*Record, error) {
	query := `
		SELECT id, device, digest, image, created_at
		FROM undo_records
		WHERE device = ?
		ORDER BY created_at DESC, id DESC
	`

	rows, err := s.db.QueryContext(ctx, query, deviceKey(device))
	if err != nil {
		return nil, fmt.Errorf("listing undo records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing undo records: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM undo_records WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting undo record %s: %w", id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec       Record
		dgst      string
		createdAt int64
	)
	if err := row.Scan(&rec.ID, &rec.Device, &dgst, &rec.Image, &createdAt); err != nil {
		return nil, err
	}

	rec.Digest = digest.Digest(dgst)
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}
