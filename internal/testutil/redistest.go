package testutil

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const redisImage = "redis:7-alpine"

var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

// RedisTest returns a client for a scratch Redis database, flushed before
// and after the test. REDIS_URL selects an existing server; otherwise a
// shared container is started, and the test is skipped without Docker.
func RedisTest(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = sharedRedis(t)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("redistest: parse url: %v", err)
	}
	rdb := redis.NewClient(opts)

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redistest: ping: %v", err)
	}
	_ = rdb.FlushDB(ctx).Err()
	t.Cleanup(func() {
		_ = rdb.FlushDB(ctx).Err()
		_ = rdb.Close()
	})
	return rdb
}

func sharedRedis(t *testing.T) string {
	t.Helper()

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := tcredis.Run(ctx, redisImage)
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			redisErr = err
			return
		}
		redisURL, redisErr = ctr.ConnectionString(ctx)
	})

	if redisErr != nil {
		t.Skipf("REDIS_URL not set and no container available: %v", redisErr)
	}
	return redisURL
}
