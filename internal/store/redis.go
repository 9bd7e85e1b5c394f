package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "triagepipe:thread:"
	redisDialTimeout = 3 * time.Second
)

// RedisStore keeps conversation state in Redis: a list per thread history, a
// plain key for the pending image and a hash for the location.
type RedisStore struct {
	threadLocks
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisStore invoked", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.TTL)
	if cfg.RedisAddr == "" {
		return nil, errors.New("redis address not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "addr", cfg.RedisAddr, "error", err)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, ttl: cfg.TTL}, nil
}

func historyKey(threadID string) string  { return redisKeyPrefix + threadID + ":history" }
func imageKey(threadID string) string    { return redisKeyPrefix + threadID + ":image" }
func locationKey(threadID string) string { return redisKeyPrefix + threadID + ":location" }

// touch refreshes the idle expiry of every key of the thread.
func (s *RedisStore) touch(ctx context.Context, pipe redis.Pipeliner, threadID string) {
	if s.ttl <= 0 {
		return
	}
	pipe.Expire(ctx, historyKey(threadID), s.ttl)
	pipe.Expire(ctx, locationKey(threadID), s.ttl)
}

func (s *RedisStore) Append(ctx context.Context, threadID string, msg models.Message) error {
	if !msg.Role.IsValid() {
		return models.ErrInvalidRole
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, historyKey(threadID), payload)
	s.touch(ctx, pipe, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore Append failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to append message for %s: %w", threadID, err)
	}
	slog.Debug("RedisStore Append succeeded", "threadID", threadID, "role", msg.Role)
	return nil
}

func (s *RedisStore) GetHistory(ctx context.Context, threadID string) ([]models.Message, error) {
	raw, err := s.client.LRange(ctx, historyKey(threadID), 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore GetHistory failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	history := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		history = append(history, m)
	}
	return history, nil
}

func (s *RedisStore) SetPendingImage(ctx context.Context, threadID string, image []byte) error {
	if err := s.client.Set(ctx, imageKey(threadID), image, s.ttl).Err(); err != nil {
		slog.Error("RedisStore SetPendingImage failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set pending image: %w", err)
	}
	return nil
}

// TakePendingImage uses GETDEL so the image is handed out at most once.
func (s *RedisStore) TakePendingImage(ctx context.Context, threadID string) ([]byte, error) {
	img, err := s.client.GetDel(ctx, imageKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisStore TakePendingImage failed", "error", err, "threadID", threadID)
		return nil, fmt.Errorf("failed to take pending image: %w", err)
	}
	if len(img) == 0 {
		return nil, nil
	}
	return img, nil
}

func (s *RedisStore) SetLocation(ctx context.Context, threadID string, loc models.Location) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, locationKey(threadID),
		"latitude", strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		"longitude", strconv.FormatFloat(loc.Longitude, 'f', -1, 64))
	s.touch(ctx, pipe, threadID)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore SetLocation failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to set location: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLocation(ctx context.Context, threadID string) (*models.Location, error) {
	vals, err := s.client.HGetAll(ctx, locationKey(threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	latStr, okLat := vals["latitude"]
	lonStr, okLon := vals["longitude"]
	if !okLat || !okLon {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid stored longitude: %w", err)
	}
	return &models.Location{Latitude: lat, Longitude: lon}, nil
}

func (s *RedisStore) ResetThread(ctx context.Context, threadID string) error {
	n, err := s.client.Del(ctx, historyKey(threadID), imageKey(threadID), locationKey(threadID)).Result()
	if err != nil {
		slog.Error("RedisStore ResetThread failed", "error", err, "threadID", threadID)
		return fmt.Errorf("failed to reset thread: %w", err)
	}
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
