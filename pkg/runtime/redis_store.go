package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps the runtime table in Redis so several agents can share it.
// Each parent is a hash of JSON values; a set indexes the parents.
type RedisStore struct {
	client *backend.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore connects to the Redis server at address.
func NewRedisStore(address, password string, db int, opts ...RedisOption) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient returns a store using an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "storyplayer:runtime:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(parent string) string {
	return s.prefix + "table:" + parent
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "tables"
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (Tables, error) {
	parents, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runtime tables: %w", err)
	}

	tables := make(Tables, len(parents))
	for _, parent := range parents {
		fields, err := s.client.HGetAll(ctx, s.key(parent)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get runtime table %s: %w", parent, err)
		}
		items := make(map[string]interface{}, len(fields))
		for k, raw := range fields {
			var v interface{}
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s.%s: %w", parent, k, err)
			}
			items[k] = v
		}
		tables[parent] = items
	}
	return tables, nil
}

// Save implements Store. Old and new contents are swapped in one transaction.
func (s *RedisStore) Save(ctx context.Context, tables Tables) error {
	old, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to list runtime tables: %w", err)
	}

	encoded := make(map[string]map[string]interface{}, len(tables))
	for parent, items := range tables {
		if len(items) == 0 {
			continue
		}
		fields := make(map[string]interface{}, len(items))
		for k, v := range items {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal %s.%s: %w", parent, k, err)
			}
			fields[k] = string(data)
		}
		encoded[parent] = fields
	}

	_, err = s.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.Del(ctx, s.indexKey())
		for _, parent := range old {
			pipe.Del(ctx, s.key(parent))
		}
		for parent, fields := range encoded {
			pipe.HSet(ctx, s.key(parent), fields)
			pipe.SAdd(ctx, s.indexKey(), parent)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
