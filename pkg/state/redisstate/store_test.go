package redisstate

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-twophase/pkg/state/statetest"
)

func newClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("TWOPHASE_REDIS_ADDR")
	if addr == "" {
		t.Skip("TWOPHASE_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())
	return client
}

func TestStore(t *testing.T) {
	client := newClient(t)

	s, err := New(client, uuid.NewString(), WithKeyPrefix("twophase:test:"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Del(context.Background(), s.Key()) })

	statetest.Run(t, s)

	require.NoError(t, s.Update([][]byte{[]byte("kept")}))
	restored, err := s.Restored()
	require.NoError(t, err)
	assert.True(t, restored)
}

func TestNew_Key(t *testing.T) {
	s, err := New(nil, "sink-0", WithKeyPrefix("p:"))
	require.NoError(t, err)
	assert.Equal(t, "p:sink-0", s.Key())

	_, err = New(nil, "")
	assert.Error(t, err)
}
