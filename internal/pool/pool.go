// Package pool provides a bounded idle list of reusable connection handles.
package pool

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrExhausted 借出与空闲连接总数已达 MaxConnections
var ErrExhausted = errors.New("connection pool exhausted")

// Config 连接池配置（构造后只读）
type Config struct {
	// PoolSize 空闲列表容量
	PoolSize int `json:"pool_size"`
	// MaxConnections 借出与空闲连接总数上限，<=0 表示不限
	MaxConnections int `json:"max_connections"`
}

// Item is a pooled handle stamped with its creation time.
type Item[T any] struct {
	ID        string
	Value     T
	CreatedAt time.Time
}

// NewItem stamps v with a fresh ID and createdAt.
func NewItem[T any](v T, createdAt time.Time) Item[T] {
	return Item[T]{
		ID:        uuid.NewString(),
		Value:     v,
		CreatedAt: createdAt,
	}
}

// Age returns how long the item has existed at now.
func (it Item[T]) Age(now time.Time) time.Duration {
	return now.Sub(it.CreatedAt)
}

// Pool is a mutex-guarded LIFO idle list of at most PoolSize items.
// Items are owned by the pool while idle and by exactly one caller while
// checked out. Idle plus checked-out items never exceed MaxConnections.
type Pool[T any] struct {
	mu       sync.Mutex
	idle     []Item[T]
	leased   int
	capacity int
	maxOpen  int
	closer   func(T) error
	logger   *zap.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	returned  atomic.Int64
	discarded atomic.Int64
	pruned    atomic.Int64
}

// Stats contains pool statistics.
type Stats struct {
	Idle      int   `json:"idle"`
	Leased    int   `json:"leased"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Returned  int64 `json:"returned"`
	Discarded int64 `json:"discarded"`
	Pruned    int64 `json:"pruned"`
}

// HitRate returns hits / (hits + misses).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// New creates a pool from cfg. closer disposes of handles that are
// discarded, pruned or drained; it may be nil.
func New[T any](cfg Config, closer func(T) error, logger *zap.Logger) *Pool[T] {
	capacity := max(cfg.PoolSize, 0)
	maxOpen := max(cfg.MaxConnections, 0)
	if maxOpen > 0 && capacity > maxOpen {
		capacity = maxOpen
	}
	if closer == nil {
		closer = func(T) error { return nil }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool[T]{
		idle:     make([]Item[T], 0, capacity),
		capacity: capacity,
		maxOpen:  maxOpen,
		closer:   closer,
		logger:   logger.With(zap.String("component", "connection_pool")),
	}
}

// Acquire pops the most recently released idle item. ok is false on a miss;
// the caller then holds a reserved slot and must create a handle itself,
// handing the slot back with Release or Cancel. ErrExhausted is returned
// when a miss would exceed MaxConnections.
func (p *Pool[T]) Acquire() (item Item[T], ok bool, err error) {
	p.mu.Lock()
	n := len(p.idle)
	if n == 0 {
		if p.maxOpen > 0 && p.leased >= p.maxOpen {
			p.mu.Unlock()
			return item, false, ErrExhausted
		}
		p.leased++
		p.mu.Unlock()
		p.misses.Add(1)
		return item, false, nil
	}
	item = p.idle[n-1]
	var zero Item[T]
	p.idle[n-1] = zero
	p.idle = p.idle[:n-1]
	p.leased++
	p.mu.Unlock()

	p.hits.Add(1)
	return item, true, nil
}

// Cancel gives back a slot reserved by a missed Acquire whose handle could
// not be created.
func (p *Pool[T]) Cancel() {
	p.mu.Lock()
	p.unlease()
	p.mu.Unlock()
}

// Put seeds an idle item that was never checked out. It reports whether the
// item was pooled; otherwise the item is closed.
func (p *Pool[T]) Put(item Item[T]) bool {
	p.mu.Lock()
	if len(p.idle) < p.capacity && (p.maxOpen == 0 || len(p.idle)+p.leased < p.maxOpen) {
		p.idle = append(p.idle, item)
		p.mu.Unlock()
		p.returned.Add(1)
		return true
	}
	p.mu.Unlock()

	p.discarded.Add(1)
	p.close(item, "discard")
	return false
}

// Release hands a checked-out item back. Items created outside the pool
// (wasNew) are closed; others are kept if there is room and closed otherwise.
// It reports whether the item was pooled.
func (p *Pool[T]) Release(item Item[T], wasNew bool) bool {
	p.mu.Lock()
	p.unlease()
	if !wasNew && len(p.idle) < p.capacity {
		p.idle = append(p.idle, item)
		p.mu.Unlock()
		p.returned.Add(1)
		return true
	}
	p.mu.Unlock()

	p.discarded.Add(1)
	p.close(item, "discard")
	return false
}

// Prune closes idle items older than recycle and returns how many were removed.
func (p *Pool[T]) Prune(now time.Time, recycle time.Duration) int {
	if recycle <= 0 {
		return 0
	}

	p.mu.Lock()
	var stale []Item[T]
	kept := p.idle[:0]
	for _, it := range p.idle {
		if it.Age(now) > recycle {
			stale = append(stale, it)
			continue
		}
		kept = append(kept, it)
	}
	// 清理尾部引用
	var zero Item[T]
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = zero
	}
	p.idle = kept
	p.mu.Unlock()

	for _, it := range stale {
		p.close(it, "prune")
	}
	if len(stale) > 0 {
		p.pruned.Add(int64(len(stale)))
		p.logger.Debug("pruned stale connections",
			zap.Int("count", len(stale)),
			zap.Duration("recycle_time", recycle),
		)
	}
	return len(stale)
}

// Drain removes and closes every idle item. Close failures are collected and
// do not stop the drain.
func (p *Pool[T]) Drain() []error {
	p.mu.Lock()
	items := p.idle
	p.idle = make([]Item[T], 0, p.capacity)
	p.mu.Unlock()

	var errs []error
	for _, it := range items {
		if err := p.closer(it.Value); err != nil {
			p.logger.Warn("failed to close pooled connection",
				zap.String("id", it.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errs
}

// unlease 调用方须持有 mu
func (p *Pool[T]) unlease() {
	if p.leased > 0 {
		p.leased--
	}
}

// Len returns the number of idle items.
func (p *Pool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the configured idle capacity.
func (p *Pool[T]) Capacity() int {
	return p.capacity
}

// Leased returns the number of checked-out items and reserved slots.
func (p *Pool[T]) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leased
}

// Stats returns pool statistics.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	idle, leased := len(p.idle), p.leased
	p.mu.Unlock()
	return Stats{
		Idle:      idle,
		Leased:    leased,
		Capacity:  p.capacity,
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Returned:  p.returned.Load(),
		Discarded: p.discarded.Load(),
		Pruned:    p.pruned.Load(),
	}
}

func (p *Pool[T]) close(it Item[T], reason string) {
	if err := p.closer(it.Value); err != nil {
		p.logger.Warn("failed to close connection",
			zap.String("id", it.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
