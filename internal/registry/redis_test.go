package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// TestRedisRegistryContract runs against a live server when REDIS_TEST_URL is set.
func TestRedisRegistryContract(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())

	reg := NewRedisRegistry(client, "test-registry-"+time.Now().Format("150405.000000"))
	registryContract(t, reg)
}
