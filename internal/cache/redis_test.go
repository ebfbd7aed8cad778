// internal/cache/redis_test.go
package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("MRI_CLASSIFIER_TEST_REDIS")
	if addr == "" {
		t.Skip("Skipping Redis test: MRI_CLASSIFIER_TEST_REDIS not set")
	}
	c, err := New(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := fmt.Sprintf("test:%s", uuid.NewString())

	require.NoError(t, c.Set(ctx, key, []byte(`{"predicted_class":"NonDemented"}`), time.Minute))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"predicted_class":"NonDemented"}`, string(got))
}

func TestCache_Missing(t *testing.T) {
	c := newTestCache(t)
	got, err := c.Get(context.Background(), "test:"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCache_Expiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	require.NoError(t, c.Set(ctx, key, []byte("x"), 50*time.Millisecond))
	time.Sleep(200 * time.Millisecond)
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := New(ctx, "127.0.0.1:1")
	assert.Error(t, err)
}

func TestCache_NilClient(t *testing.T) {
	var c Cache
	_, err := c.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), "k", nil, 0))
	assert.NoError(t, c.Close())
}
