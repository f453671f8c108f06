// Package cachetest runs an in-process Redis for tests of cache consumers.
package cachetest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/balu-dk/ocpp-csms-engine/internal/cache"
)

// New starts a miniredis server bound to t and returns a store using it.
func New(t testing.TB) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return cache.NewWithClient(client, cache.Config{Timeout: time.Second}, nil), mr
}
