package bus

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupIndex answers the idempotent-retry question: has this key been
// accepted within the TTL window? CheckAndSet records the key on a miss, so
// check and insert are one atomic step.
type DedupIndex interface {
	CheckAndSet(ctx context.Context, key string) (seen bool, err error)
	Close() error
}

// ---------------------------------------------------------------------------
// In-memory backend: ordered map with TTL expiry and LRU eviction.
// ---------------------------------------------------------------------------

type memoryEntry struct {
	key  string
	when time.Time
}

// MemoryDedup is the default single-process dedup backend.
type MemoryDedup struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	order *list.List // front = oldest
	byKey map[string]*list.Element
	now   func() time.Time
}

// NewMemoryDedup builds an index holding at most max keys for ttl each.
func NewMemoryDedup(ttl time.Duration, max int) *MemoryDedup {
	return &MemoryDedup{
		ttl:   ttl,
		max:   max,
		order: list.New(),
		byKey: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// CheckAndSet implements DedupIndex.
func (d *MemoryDedup) CheckAndSet(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.expire(now)

	if el, ok := d.byKey[key]; ok {
		if now.Sub(el.Value.(*memoryEntry).when) < d.ttl {
			return true, nil
		}
		// Expired but not yet swept; refresh in place.
		el.Value.(*memoryEntry).when = now
		d.order.MoveToBack(el)
		return false, nil
	}

	d.byKey[key] = d.order.PushBack(&memoryEntry{key: key, when: now})
	for d.order.Len() > d.max {
		d.evictOldest()
	}
	return false, nil
}

// Len reports the number of live keys.
func (d *MemoryDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Close implements DedupIndex.
func (d *MemoryDedup) Close() error { return nil }

// expire must be called with the lock held.
func (d *MemoryDedup) expire(now time.Time) {
	for {
		front := d.order.Front()
		if front == nil || now.Sub(front.Value.(*memoryEntry).when) < d.ttl {
			return
		}
		d.evictOldest()
	}
}

// evictOldest must be called with the lock held.
func (d *MemoryDedup) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}
	delete(d.byKey, front.Value.(*memoryEntry).key)
	d.order.Remove(front)
}

// ---------------------------------------------------------------------------
// Redis backend: SET NX with TTL, shared across bus replicas.
// ---------------------------------------------------------------------------

// RedisDedup keys dedup state in Redis so multiple bus instances agree.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup connects to addr and verifies the connection.
func NewRedisDedup(ctx context.Context, addr string, ttl time.Duration) (*RedisDedup, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: redis ping %s: %w", addr, err)
	}
	return &RedisDedup{client: client, ttl: ttl}, nil
}

// CheckAndSet implements DedupIndex. SET NX is atomic server-side: exactly
// one caller per key per TTL window observes a miss.
func (d *RedisDedup) CheckAndSet(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "amoskys:dedup:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("bus: redis setnx: %w", err)
	}
	return !ok, nil
}

// Close implements DedupIndex.
func (d *RedisDedup) Close() error { return d.client.Close() }
