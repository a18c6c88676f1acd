package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"github.com/phuhao00/pandarpc/config"
)

// APIKey is a server-side opaque credential registration.
type APIKey struct {
	Key       string    `json:"key"`
	ServiceID string    `json:"serviceId,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Enabled   bool      `json:"enabled"`
}

// KeyStore persists opaque keys. Get returns (nil, nil) for unknown keys.
type KeyStore interface {
	Put(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, key string) (*APIKey, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryKeyStore is the in-process store used when no Redis is configured.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryKeyStore builds an empty in-memory store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*APIKey)}
}

func (s *MemoryKeyStore) Put(_ context.Context, key *APIKey) error {
	cp := *key
	s.mu.Lock()
	s.keys[key.Key] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyStore) Get(_ context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (s *MemoryKeyStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryKeyStore) Close() error { return nil }

// redisKeyPrefix namespaces opaque keys in Redis.
const redisKeyPrefix = "pandarpc:apikey:"

// RedisKeyStore persists opaque keys in Redis so every server instance sees
// the same registry. Records expire with the key's ExpiresAt.
type RedisKeyStore struct {
	client *redis.Client
}

// NewRedisKeyStore connects a key store to Redis.
func NewRedisKeyStore(cfg config.RedisConfig) (*RedisKeyStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis key store requires an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisKeyStore{client: client}, nil
}

func (s *RedisKeyStore) Put(ctx context.Context, key *APIKey) error {
	data, err := jsoniter.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}
	var ttl time.Duration
	if !key.ExpiresAt.IsZero() {
		ttl = time.Until(key.ExpiresAt)
		if ttl <= 0 {
			return fmt.Errorf("api key already expired")
		}
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key.Key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	return nil
}

func (s *RedisKeyStore) Get(ctx context.Context, key string) (*APIKey, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read api key: %w", err)
	}
	var k APIKey
	if err := jsoniter.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("failed to unmarshal api key: %w", err)
	}
	return &k, nil
}

func (s *RedisKeyStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

func (s *RedisKeyStore) Close() error { return s.client.Close() }
