// Package store provides conversation state backends for TriagePipe.
//
// Every backend keeps three things per thread: the ordered message history,
// an optional pending image and the last shared location. It also serializes
// turns on the same thread through LockThread.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// ErrThreadNotFound is returned by ResetThread when the thread holds no state.
var ErrThreadNotFound = errors.New("thread not found")

// Store is the conversation state contract used by the triage engine.
type Store interface {
	// Append adds a message to the end of the thread history, creating the thread if needed.
	Append(ctx context.Context, threadID string, msg models.Message) error
	// GetHistory returns a snapshot of the thread history, oldest first.
	GetHistory(ctx context.Context, threadID string) ([]models.Message, error)
	// SetPendingImage stores an image for the next text turn, replacing any previous one.
	SetPendingImage(ctx context.Context, threadID string, image []byte) error
	// TakePendingImage returns and clears the pending image. It returns nil when none is set.
	TakePendingImage(ctx context.Context, threadID string) ([]byte, error)
	// SetLocation records the user's last shared location for the thread.
	SetLocation(ctx context.Context, threadID string, loc models.Location) error
	// GetLocation returns the thread location or nil if none was shared.
	GetLocation(ctx context.Context, threadID string) (*models.Location, error)
	// ResetThread deletes all state for the thread.
	ResetThread(ctx context.Context, threadID string) error
	// LockThread blocks until the caller holds the thread lock or ctx is done.
	LockThread(ctx context.Context, threadID string) (unlock func(), err error)
	// Close releases backend resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN           string        // database connection string (SQLite path or Postgres URL)
	RedisAddr     string        // host:port of the Redis server
	RedisPassword string        // optional Redis password
	RedisDB       int           // Redis logical database
	TTL           time.Duration // idle expiry for Redis thread keys; zero keeps them forever
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisAddr sets the Redis server address.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithRedisPassword sets the Redis password.
func WithRedisPassword(pw string) Option {
	return func(o *Opts) { o.RedisPassword = pw }
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) Option {
	return func(o *Opts) { o.RedisDB = db }
}

// WithTTL sets an idle expiry for thread state. Only the Redis backend honours it.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// DetectDSNType returns "postgres" for Postgres URLs and key/value DSNs, and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks a backend from the options: Redis when an address is set,
// otherwise Postgres or SQLite by DSN, otherwise in-memory.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.RedisAddr != "":
		return NewRedisStore(opts...)
	case cfg.DSN == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
