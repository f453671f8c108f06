// Package cache provides the Redis-backed store that makes pending-call and
// admission state visible across server processes.
//
// The cache is never authoritative. Every operation reports failure as
// "absent" so that a partitioned or stopped Redis degrades cross-process
// recovery without surfacing errors to callers.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key namespaces shared with other processes.
const (
	pendingMetadataPrefix = "pending-metadata:"
	pendingResultPrefix   = "pending-result:"
	pendingChargerPrefix  = "pending-charger:"
	ipConnectionPrefix    = "ip-connection:"
)

// PendingMetadataKey returns the key holding a pending call's registration.
func PendingMetadataKey(messageID string) string { return pendingMetadataPrefix + messageID }

// PendingResultKey returns the key holding a pending call's result.
func PendingResultKey(messageID string) string { return pendingResultPrefix + messageID }

// PendingChargerKey returns the set of message ids issued to a charger.
func PendingChargerKey(serial string) string { return pendingChargerPrefix + serial }

// IPConnectionKey returns the set of connection tokens admitted for an IP.
func IPConnectionKey(ip string) string { return ipConnectionPrefix + ip }

// Config configures the Redis connection.
type Config struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	// An empty address disables the cache.
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to every key (e.g., "csms:")
	Prefix string

	// Timeout bounds each individual Redis operation
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int

	// Debug logs every swallowed cache failure
	Debug bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(address string) Config {
	return Config{
		Address:      address,
		Timeout:      500 * time.Millisecond,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Store is a failure-tolerant view over a Redis client. A nil *Store is a
// valid, permanently empty cache.
type Store struct {
	cfg    Config
	client redis.UniversalClient
	logger *log.Logger
}

// New creates a store for cfg. The connection is not verified: an
// unreachable server only means every lookup misses.
func New(cfg Config, logger *log.Logger) *Store {
	if cfg.Address == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		MaxRetries:   -1,
	})
	return NewWithClient(client, cfg, logger)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config, logger *log.Logger) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Store{cfg: cfg, client: client, logger: logger}
}

func (s *Store) enabled() bool {
	return s != nil && s.client != nil
}

func (s *Store) key(k string) string {
	return s.cfg.Prefix + k
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

// miss records a failed operation. redis.Nil is an ordinary miss and is
// never logged.
func (s *Store) miss(op, key string, err error) {
	if err == nil || errors.Is(err, redis.Nil) || !s.cfg.Debug {
		return
	}
	s.logger.Printf("DEBUG cache %s %s unavailable: %v", op, key, err)
}

// Ping reports whether the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if !s.enabled() {
		return errors.New("cache disabled")
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// GetJSON loads key into v. It returns false on a miss or any failure.
func (s *Store) GetJSON(ctx context.Context, key string, v any) bool {
	if !s.enabled() {
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		s.miss("get", key, err)
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.miss("decode", key, err)
		return false
	}
	return true
}

// SetJSON stores v under key with ttl (0 = no expiration).
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	if !s.enabled() {
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.miss("encode", key, err)
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		s.miss("set", key, err)
		return false
	}
	return true
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) bool {
	if !s.enabled() || len(keys) == 0 {
		return false
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, full...).Err(); err != nil {
		s.miss("del", keys[0], err)
		return false
	}
	return true
}

// AddToSet adds member to the set at key and refreshes the set's ttl.
func (s *Store) AddToSet(ctx context.Context, key, member string, ttl time.Duration) bool {
	if !s.enabled() {
		return false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.key(key), member)
	if ttl > 0 {
		pipe.Expire(ctx, s.key(key), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.miss("sadd", key, err)
		return false
	}
	return true
}

// RemoveFromSet removes members from the set at key.
func (s *Store) RemoveFromSet(ctx context.Context, key string, members ...string) bool {
	if !s.enabled() || len(members) == 0 {
		return false
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.key(key), args...).Err(); err != nil {
		s.miss("srem", key, err)
		return false
	}
	return true
}

// Members returns the members of the set at key.
func (s *Store) Members(ctx context.Context, key string) ([]string, bool) {
	if !s.enabled() {
		return nil, false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	members, err := s.client.SMembers(ctx, s.key(key)).Result()
	if err != nil {
		s.miss("smembers", key, err)
		return nil, false
	}
	return members, true
}

// admitScript adds ARGV[1] to the set KEYS[1] unless that would grow the set
// beyond ARGV[2] members. A member already present is re-admitted.
var admitScript = redis.NewScript(`
	local added = redis.call("SADD", KEYS[1], ARGV[1])
	if added == 1 and redis.call("SCARD", KEYS[1]) > tonumber(ARGV[2]) then
		redis.call("SREM", KEYS[1], ARGV[1])
		return 0
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call("EXPIRE", KEYS[1], ARGV[3])
	end
	return 1
`)

// AdmitToSet atomically adds member to the set at key if the set stays
// within limit. ok is false when the cache could not be consulted, in which
// case admitted carries no information.
func (s *Store) AdmitToSet(ctx context.Context, key, member string, limit int, ttl time.Duration) (admitted, ok bool) {
	if !s.enabled() {
		return false, false
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := admitScript.Run(ctx, s.client, []string{s.key(key)}, member, limit, int(ttl/time.Second)).Int()
	if err != nil {
		s.miss("admit", key, err)
		return false, false
	}
	return res == 1, true
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.client.Close()
}
