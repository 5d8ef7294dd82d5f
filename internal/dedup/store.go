package dedup

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"onepass/pkg/cache"
)

// Store admits externally-supplied batch and trade ids at most once.
// Check-then-insert is atomic: two concurrent admits of the same id yield
// exactly one true. The two namespaces are disjoint; an id never migrates
// between them.
//
// The bounded and redis backends may evict ids (by capacity or TTL); an
// evicted id that reappears is admitted again. The memory backend never
// evicts and matches the at-most-once contract exactly.
type Store interface {
	AdmitBatch(ctx context.Context, id string) (bool, error)
	AdmitTrade(ctx context.Context, id string) (bool, error)
}

// Config selects and parameterizes a Store backend.
type Config struct {
	Backend  string // "memory" (default), "lru" or "redis"
	Capacity int    // lru: max ids retained per namespace
	TTL      int64  // redis: seconds before an id may repeat; 0 = forever
}

// New builds the Store selected by cfg.Backend.
func New(cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemory(), nil
	case "lru":
		return NewBounded(cfg.Capacity)
	case "redis":
		return NewRedis(time.Duration(cfg.TTL) * time.Second), nil
	default:
		return nil, fmt.Errorf("unknown dedup backend: %s (supported: memory, lru, redis)", cfg.Backend)
	}
}

// Memory is the default unbounded in-process store: two lock-free sets
// with atomic check-and-insert.
type Memory struct {
	batch sync.Map
	trade sync.Map
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) AdmitBatch(_ context.Context, id string) (bool, error) {
	_, loaded := m.batch.LoadOrStore(id, struct{}{})
	return !loaded, nil
}

func (m *Memory) AdmitTrade(_ context.Context, id string) (bool, error) {
	_, loaded := m.trade.LoadOrStore(id, struct{}{})
	return !loaded, nil
}

// Bounded retains at most capacity ids per namespace, evicting the least
// recently admitted; a rejected repeat does not refresh an id. Useful for long-running deployments where the unbounded
// store would leak.
type Bounded struct {
	mu    sync.Mutex
	batch *lru.Cache[string, struct{}]
	trade *lru.Cache[string, struct{}]
}

func NewBounded(capacity int) (*Bounded, error) {
	batch, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch id cache: %w", err)
	}
	trade, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create trade id cache: %w", err)
	}
	return &Bounded{batch: batch, trade: trade}, nil
}

func (b *Bounded) AdmitBatch(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	present, _ := b.batch.ContainsOrAdd(id, struct{}{})
	return !present, nil
}

func (b *Bounded) AdmitTrade(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	present, _ := b.trade.ContainsOrAdd(id, struct{}{})
	return !present, nil
}

// Redis admits via SETNX so multiple instances share one id space. A zero
// TTL keeps ids forever; a positive TTL gives time-windowed eviction.
type Redis struct {
	ttl time.Duration
}

func NewRedis(ttl time.Duration) *Redis {
	return &Redis{ttl: ttl}
}

func (r *Redis) AdmitBatch(ctx context.Context, id string) (bool, error) {
	return cache.SetNX(ctx, "dedup:batch:"+id, "1", r.ttl)
}

func (r *Redis) AdmitTrade(ctx context.Context, id string) (bool, error) {
	return cache.SetNX(ctx, "dedup:trade:"+id, "1", r.ttl)
}
