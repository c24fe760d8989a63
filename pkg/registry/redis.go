package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding one JSON-encoded Device per device id.
const DefaultRedisKey = "devices"

// RedisSource reads the device mapping from a Redis hash.
type RedisSource struct {
	client *redis.Client
	key    string
}

// RedisOptions configures NewRedisSource.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisSource connects to Redis and verifies the connection.
func NewRedisSource(ctx context.Context, opts RedisOptions) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	return NewRedisSourceFromClient(client, opts.Key), nil
}

// NewRedisSourceFromClient wraps an existing client. An empty key means DefaultRedisKey.
func NewRedisSourceFromClient(client *redis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key}
}

// Devices implements Source. Entries that do not decode are skipped so one bad
// field cannot block the whole registry.
func (s *RedisSource) Devices(ctx context.Context) (map[string]Device, error) {
	fields, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}

	out := make(map[string]Device, len(fields))
	for id, raw := range fields {
		var d Device
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			continue
		}
		out[id] = d
	}
	return out, nil
}

// PutDevice stores metadata for one device.
func (s *RedisSource) PutDevice(ctx context.Context, id string, d Device) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", id, err)
	}
	return s.client.HSet(ctx, s.key, id, raw).Err()
}

// Close releases the Redis connection pool.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
