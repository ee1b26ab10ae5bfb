package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/ericbjones/clean-invaders/domain"
)

type backend interface {
	Reconcile(ctx context.Context, keys []domain.Key) error
	UpsertProgress(ctx context.Context, key domain.Key, progress int) (int, error)
	UpsertAssignment(ctx context.Context, key domain.Key, assignment int) (int, error)
	ToggleRoomHidden(ctx context.Context, floor, room string) (bool, error)
	ResetRoomProgress(ctx context.Context, floor, room string) error
	ResetAll(ctx context.Context, keys []domain.Key) error
	ResetAllHidden(ctx context.Context) error
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	Ping(ctx context.Context) error
}

// Cache wraps a backend with a Redis copy of the latest snapshot. Every
// write bumps a generation counter kept in Redis next to the snapshot and
// evicts it, so writers in other processes invalidate it too. Redis
// failures fall back to the backend.
type Cache struct {
	base   backend
	redis  *redis.Client
	ttl    time.Duration
	key    string
	genKey string
}

// NewCache creates a caching wrapper storing the snapshot under prefix.
func NewCache(base backend, client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		base:   base,
		redis:  client,
		ttl:    ttl,
		key:    snapshotCacheKey(prefix),
		genKey: snapshotCacheKey(prefix) + ":gen",
	}
}

func (c *Cache) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	if snap, ok := c.loadSnapshot(ctx); ok {
		return snap, nil
	}

	gen, genErr := c.generation(ctx)
	snap, err := c.base.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		c.storeSnapshot(ctx, gen, snap)
	}
	return snap, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.base.Ping(ctx)
}

// mutate runs a write with the generation bumped on both sides, so any
// snapshot read concurrently is tagged with an outdated generation.
func (c *Cache) mutate(ctx context.Context, fn func() error) error {
	c.bump(ctx)
	err := fn()
	c.bump(ctx)
	if err != nil {
		return err
	}
	c.evict(ctx)
	return nil
}

func (c *Cache) Reconcile(ctx context.Context, keys []domain.Key) error {
	return c.mutate(ctx, func() error { return c.base.Reconcile(ctx, keys) })
}

func (c *Cache) UpsertProgress(ctx context.Context, key domain.Key, progress int) (int, error) {
	var v int
	err := c.mutate(ctx, func() (err error) {
		v, err = c.base.UpsertProgress(ctx, key, progress)
		return err
	})
	return v, err
}

func (c *Cache) UpsertAssignment(ctx context.Context, key domain.Key, assignment int) (int, error) {
	var v int
	err := c.mutate(ctx, func() (err error) {
		v, err = c.base.UpsertAssignment(ctx, key, assignment)
		return err
	})
	return v, err
}

func (c *Cache) ToggleRoomHidden(ctx context.Context, floor, room string) (bool, error) {
	var hidden bool
	err := c.mutate(ctx, func() (err error) {
		hidden, err = c.base.ToggleRoomHidden(ctx, floor, room)
		return err
	})
	return hidden, err
}

func (c *Cache) ResetRoomProgress(ctx context.Context, floor, room string) error {
	return c.mutate(ctx, func() error { return c.base.ResetRoomProgress(ctx, floor, room) })
}

func (c *Cache) ResetAll(ctx context.Context, keys []domain.Key) error {
	return c.mutate(ctx, func() error { return c.base.ResetAll(ctx, keys) })
}

func (c *Cache) ResetAllHidden(ctx context.Context) error {
	return c.mutate(ctx, func() error { return c.base.ResetAllHidden(ctx) })
}

type cachedSnapshot struct {
	Gen      uint64          `json:"gen"`
	Snapshot domain.Snapshot `json:"snapshot"`
}

func (c *Cache) loadSnapshot(ctx context.Context) (domain.Snapshot, bool) {
	if c.redis == nil {
		return nil, false
	}
	vals, err := c.redis.MGet(ctx, c.key, c.genKey).Result()
	if err != nil || len(vals) != 2 {
		return nil, false
	}
	data, ok := vals[0].(string)
	if !ok {
		return nil, false
	}
	gen, err := parseGeneration(vals[1])
	if err != nil {
		return nil, false
	}
	var entry cachedSnapshot
	if err := sonic.UnmarshalString(data, &entry); err != nil {
		_ = c.redis.Del(ctx, c.key).Err()
		return nil, false
	}
	if entry.Gen != gen || entry.Snapshot == nil {
		return nil, false
	}
	return entry.Snapshot, true
}

// generation returns the shared write counter. A missing key reads as 0.
func (c *Cache) generation(ctx context.Context) (uint64, error) {
	if c.redis == nil {
		return 0, nil
	}
	n, err := c.redis.Get(ctx, c.genKey).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (c *Cache) bump(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Incr(ctx, c.genKey).Err()
}

func parseGeneration(v any) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 10, 64)
}

func (c *Cache) storeSnapshot(ctx context.Context, gen uint64, snap domain.Snapshot) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.Marshal(cachedSnapshot{Gen: gen, Snapshot: snap})
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, c.key, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context) {
	if c.redis == nil {
		return
	}
	_ = c.redis.Del(ctx, c.key).Err()
}

func snapshotCacheKey(prefix string) string {
	if prefix == "" {
		return "snapshot"
	}
	return prefix + ":snapshot"
}
