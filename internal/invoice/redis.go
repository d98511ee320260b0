package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "danfe:code:"

// insertIfAbsentScript writes the record unless the key holds a record that
// is still live at ARGV[1]. Keys outlive expiry by the retention window so
// an expired code can still be told apart from one never issued.
var insertIfAbsentScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'record', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIREAT', KEYS[1], ARGV[4])
return 1
`)

// RedisConfig holds connection settings for the Redis backend
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Retention time.Duration // how long keys are kept after the record expires
}

// RedisDB implements the DB interface with one hash per code
type RedisDB struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisDB connects to Redis and verifies the connection
func NewRedisDB(ctx context.Context, cfg RedisConfig) (*RedisDB, error) {
	// PEXPIREAT before ExpiresAt would drop live codes
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("redis retention must not be negative, got %s", cfg.Retention)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisDB{client: client, retention: cfg.Retention}, nil
}

func redisKey(code string) string {
	return redisKeyPrefix + code
}

// InsertAccessCode stores the record atomically through a Lua script
func (r *RedisDB) InsertAccessCode(ctx context.Context, rec *AccessCodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	inserted, err := insertIfAbsentScript.Run(ctx, r.client, []string{redisKey(rec.Code)},
		rec.CreatedAt.UnixMilli(),
		string(data),
		rec.ExpiresAt.UnixMilli(),
		rec.ExpiresAt.Add(r.retention).UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("inserting record: %w", err)
	}
	if inserted == 0 {
		return ErrDuplicateCode
	}
	return nil
}

// GetAccessCode retrieves a record by code
func (r *RedisDB) GetAccessCode(ctx context.Context, code string) (*AccessCodeRecord, error) {
	data, err := r.client.HGet(ctx, redisKey(code), "record").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}

	var rec AccessCodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return &rec, nil
}

// Ping checks the connection for the health endpoint
func (r *RedisDB) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *RedisDB) Close() error {
	return r.client.Close()
}
