package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis store configuration.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// RedisStore persists actor records as Redis hashes, one hash per actor,
// field names matching the persisted layout (actorType, actorId,
// initialCaller, input, persistedSnapshot).
type RedisStore struct {
	client *redis.Client
}

const (
	fieldActorType     = "actorType"
	fieldActorID       = "actorId"
	fieldInitialCaller = "initialCaller"
	fieldInput         = "input"
	fieldSnapshot      = "persistedSnapshot"
)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,

		// Connection pool settings for optimal performance
		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		// Retry configuration
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func redisKey(actorType, actorID string) string {
	return fmt.Sprintf("actorkit:actor:%s:%s", actorType, actorID)
}

// Load returns the record for an actor, or nil when none exists.
func (s *RedisStore) Load(ctx context.Context, actorType, actorID string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, redisKey(actorType, actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load actor record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Record{
		ActorType: fields[fieldActorType],
		ActorID:   fields[fieldActorID],
	}
	if v, ok := fields[fieldInitialCaller]; ok {
		rec.InitialCaller = []byte(v)
	}
	if v, ok := fields[fieldInput]; ok {
		rec.Input = []byte(v)
	}
	if v, ok := fields[fieldSnapshot]; ok {
		rec.Snapshot = []byte(v)
	}
	return rec, nil
}

// Save writes the whole record.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	values := map[string]interface{}{
		fieldActorType: rec.ActorType,
		fieldActorID:   rec.ActorID,
	}
	if rec.InitialCaller != nil {
		values[fieldInitialCaller] = string(rec.InitialCaller)
	}
	if rec.Input != nil {
		values[fieldInput] = string(rec.Input)
	}
	if rec.Snapshot != nil {
		values[fieldSnapshot] = string(rec.Snapshot)
	}
	if err := s.client.HSet(ctx, redisKey(rec.ActorType, rec.ActorID), values).Err(); err != nil {
		return fmt.Errorf("failed to save actor record: %w", err)
	}
	return nil
}

// SaveSnapshot overwrites only the persisted snapshot field.
func (s *RedisStore) SaveSnapshot(ctx context.Context, actorType, actorID string, snapshot []byte) error {
	err := s.client.HSet(ctx, redisKey(actorType, actorID), fieldSnapshot, string(snapshot)).Err()
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the actor's record.
func (s *RedisStore) Delete(ctx context.Context, actorType, actorID string) error {
	if err := s.client.Del(ctx, redisKey(actorType, actorID)).Err(); err != nil {
		return fmt.Errorf("failed to delete actor record: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
