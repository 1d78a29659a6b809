package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/Brownie44l1/rdd-api/internal/pipeline"
)

// ErrNotFound is returned when a report does not exist.
var ErrNotFound = errors.New("report not found")

// Status is the review state of a report.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q (must be: pending, approved, rejected)", s)
	}
}

// Report is a persisted detection result.
type Report struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	pipeline.Result
}

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	original_width INTEGER NOT NULL,
	original_height INTEGER NOT NULL,
	artifact_uri TEXT NOT NULL DEFAULT '',
	detections TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_user ON reports(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status, created_at DESC);
`

const reportColumns = `id, user_id, status, original_width, original_height, artifact_uri, detections, created_at`

// Store keeps reports in a SQLite database.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at path and initializes the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Save inserts a report. Empty status defaults to pending and a zero
// CreatedAt to now.
func (s *Store) Save(ctx context.Context, r *Report) error {
	if r.ID == "" {
		return errors.New("report id is required")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Detections == nil {
		r.Detections = []pipeline.Detection{}
	}

	detections, err := json.Marshal(r.Detections)
	if err != nil {
		return fmt.Errorf("failed to marshal detections: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("database is closed")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (`+reportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, string(r.Status), r.OriginalWidth, r.OriginalHeight,
		r.ArtifactURI, string(detections), r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// Get returns the report with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("database is closed")
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// ListByUser returns the reports of one user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Report, error) {
	return s.query(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// List returns all reports, newest first. A non-empty status filters them.
func (s *Store) List(ctx context.Context, status Status) ([]Report, error) {
	if status == "" {
		return s.query(ctx, `SELECT `+reportColumns+` FROM reports ORDER BY created_at DESC`)
	}
	return s.query(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// UpdateStatus changes the review status of a report and returns it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status) (*Report, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errors.New("database is closed")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET status = ? WHERE id = ?`, string(status), id)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update report status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to update report status: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("database is closed")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New("database is closed")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row scanner) (*Report, error) {
	var (
		r          Report
		status     string
		detections string
		createdAt  int64
	)
	if err := row.Scan(
		&r.ID, &r.UserID, &status, &r.OriginalWidth, &r.OriginalHeight,
		&r.ArtifactURI, &detections, &createdAt,
	); err != nil {
		return nil, err
	}

	r.Status = Status(status)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(detections), &r.Detections); err != nil {
		return nil, fmt.Errorf("corrupt detections for report %s: %w", r.ID, err)
	}
	if r.Detections == nil {
		r.Detections = []pipeline.Detection{}
	}
	return &r, nil
}
