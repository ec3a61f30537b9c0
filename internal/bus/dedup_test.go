package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDedup_CheckAndSet(t *testing.T) {
	d := NewMemoryDedup(5*time.Minute, 100)
	ctx := context.Background()

	seen, err := d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen, "first sighting is a miss")

	seen, err = d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, seen, "second sighting within TTL is a hit")

	seen, err = d.CheckAndSet(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMemoryDedup_TTLExpiry(t *testing.T) {
	d := NewMemoryDedup(time.Minute, 100)
	clock := time.Unix(1000, 0)
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)

	clock = clock.Add(59 * time.Second)
	seen, err := d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, seen)

	clock = clock.Add(2 * time.Minute)
	seen, err = d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen, "expired key is a fresh sighting")
}

func TestMemoryDedup_LRUEviction(t *testing.T) {
	d := NewMemoryDedup(time.Hour, 3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := d.CheckAndSet(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, d.Len())

	// k0 was evicted; re-inserting it is a miss and evicts k1.
	seen, err := d.CheckAndSet(ctx, "k0")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.CheckAndSet(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.CheckAndSet(ctx, "k3")
	require.NoError(t, err)
	assert.True(t, seen, "recent keys survive eviction")
}
