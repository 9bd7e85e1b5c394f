package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriagePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists conversation state in PostgreSQL.
type PostgresStore struct {
	threadLocks
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Append(ctx context.Context, threadID string, msg models.Message) error {
	if !msg.Role.IsValid() {
		return models.ErrInvalidRole
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_messages (thread_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		threadID, string(msg.Role), msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		slog.Error("PostgresStore Append failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to append message for %s: %w", threadID, err)
	}
	slog.Debug("PostgresStore Append succeeded", "threadID", threadID, "role", msg.Role)
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM thread_messages WHERE thread_id = $1 ORDER BY id`, threadID)
	if err != nil {
		slog.Error("PostgresStore GetHistory query failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []models.Message{}
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		history = append(history, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return history, nil
}

func (s *PostgresStore) SetPendingImage(ctx context.Context, threadID string, image []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (thread_id, pending_image, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (thread_id) DO UPDATE SET pending_image = EXCLUDED.pending_image, updated_at = EXCLUDED.updated_at`,
		threadID, image, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SetPendingImage failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set pending image: %w", err)
	}
	return nil
}

// TakePendingImage reads and clears the image in one statement; the row lock
// in the subquery makes concurrent takers see the image at most once.
func (s *PostgresStore) TakePendingImage(ctx context.Context, threadID string) ([]byte, error) {
	var image []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE thread_state t SET pending_image = NULL, updated_at = $2
		FROM (SELECT thread_id, pending_image FROM thread_state WHERE thread_id = $1 FOR UPDATE) old
		WHERE t.thread_id = old.thread_id
		RETURNING old.pending_image`, threadID, time.Now().UTC()).Scan(&image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore TakePendingImage failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to take pending image: %w", err)
	}
	if len(image) == 0 {
		return nil, nil
	}
	return image, nil
}

func (s *PostgresStore) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (thread_id, latitude, longitude, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE SET latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude, updated_at = EXCLUDED.updated_at`,
		threadID, loc.Latitude, loc.Longitude, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SetLocation failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set location: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, threadID string) (*models.Location, error) {
	var lat, lon sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT latitude, longitude FROM thread_state WHERE thread_id = $1`, threadID).Scan(&lat, &lon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	if !lat.Valid || !lon.Valid {
		return nil, nil
	}
	return &models.Location{Latitude: lat.Float64, Longitude: lon.Float64}, nil
}

func (s *PostgresStore) ResetThread(ctx context.Context, threadID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var affected int64
	for _, q := range []string{
		`DELETE FROM thread_messages WHERE thread_id = $1`,
		`DELETE FROM thread_state WHERE thread_id = $1`,
	} {
		res, err := tx.ExecContext(ctx, q, threadID)
		if err != nil {
			slog.Error("PostgresStore ResetThread failed", "error", err, "threadID", threadID)
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
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
