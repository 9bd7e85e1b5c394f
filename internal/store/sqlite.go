package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriagePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists conversation state in a SQLite database file.
type SQLiteStore struct {
	threadLocks
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	if path := sqliteFilePath(dsn); path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// sqliteFilePath extracts the file path from a plain path or file: URI DSN.
// It returns "" for in-memory databases.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return path
}

func (s *SQLiteStore) Append(ctx context.Context, threadID string, msg models.Message) error {
	if !msg.Role.IsValid() {
		return models.ErrInvalidRole
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		threadID, string(msg.Role), msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore Append failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to append message for %s: %w", threadID, err)
	}
	slog.Debug("SQLiteStore Append succeeded", "threadID", threadID, "role", msg.Role)
	return nil
}

func (s *SQLiteStore) GetHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM thread_messages WHERE thread_id = ? ORDER BY id`, threadID)
	if err != nil {
		slog.Error("SQLiteStore GetHistory query failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []models.Message{}
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			slog.Error("SQLiteStore GetHistory scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.Role(role)
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return history, nil
}

func (s *SQLiteStore) SetPendingImage(ctx context.Context, threadID string, image []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (thread_id, pending_image, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET pending_image = excluded.pending_image, updated_at = excluded.updated_at`,
		threadID, image, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SetPendingImage failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set pending image: %w", err)
	}
	slog.Debug("SQLiteStore SetPendingImage succeeded", "threadID", threadID, "bytes", len(image))
	return nil
}

func (s *SQLiteStore) TakePendingImage(ctx context.Context, threadID string) ([]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var image []byte
	err = tx.QueryRowContext(ctx, `SELECT pending_image FROM thread_state WHERE thread_id = ?`, threadID).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore TakePendingImage select failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to read pending image: %w", err)
	}
	if image == nil {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE thread_state SET pending_image = NULL, updated_at = ? WHERE thread_id = ?`,
		time.Now().UTC(), threadID); err != nil {
		return nil, fmt.Errorf("failed to clear pending image: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit pending image take: %w", err)
	}
	slog.Debug("SQLiteStore TakePendingImage consumed image", "threadID", threadID, "bytes", len(image))
	return image, nil
}

func (s *SQLiteStore) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (thread_id, latitude, longitude, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET latitude = excluded.latitude, longitude = excluded.longitude, updated_at = excluded.updated_at`,
		threadID, loc.Latitude, loc.Longitude, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SetLocation failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set location: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLocation(ctx context.Context, threadID string) (*models.Location, error) {
	var lat, lon sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude FROM thread_state WHERE thread_id = ?`, threadID).Scan(&lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLocation failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	if !lat.Valid || !lon.Valid {
		return nil, nil
	}
	return &models.Location{Latitude: lat.Float64, Longitude: lon.Float64}, nil
}

func (s *SQLiteStore) ResetThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for _, q := range []string{
		`DELETE FROM thread_messages WHERE thread_id = ?`,
		`DELETE FROM thread_state WHERE thread_id = ?`,
	} {
		res, err := tx.ExecContext(ctx, q, threadID)
		if err != nil {
			slog.Error("SQLiteStore ResetThread failed", "error", err, "threadID", threadID)
			return fmt.Errorf("failed to reset thread: %w", err)
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit thread reset: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	slog.Debug("SQLiteStore ResetThread succeeded", "threadID", threadID, "rows", affected)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
