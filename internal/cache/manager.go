// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/chguard/config"
	"github.com/BaSui01/chguard/internal/tlsutil"
)

// =============================================================================
// 💾 报告缓存
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// ErrClosed 缓存已关闭
var ErrClosed = errors.New("cache manager is closed")

// Manager 基于 Redis 的健康报告缓存
//
// 所有键自动加上配置的前缀。读写失败只记录日志并退化为直接加载，
// Redis 不可用不会影响健康检查本身。
type Manager struct {
	redis  *redis.Client
	prefix string
	logger *zap.Logger

	loads singleflight.Group

	mu     sync.RWMutex
	closed bool

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// redisOptions 把 RedisConfig 转换为 go-redis 选项
func redisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientConfig(cfg.Addr)
	}
	return opts
}

// NewManager 创建缓存管理器并验证 Redis 连接
func NewManager(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(redisOptions(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		prefix: cfg.KeyPrefix,
		logger: logger.With(zap.String("component", "cache")),
	}

	m.logger.Info("report cache initialized",
		zap.String("addr", cfg.Addr),
		zap.String("key_prefix", cfg.KeyPrefix),
	)
	return m, nil
}

// Key 返回带前缀的完整键
func (m *Manager) Key(key string) string {
	return m.prefix + key
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 获取缓存值
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", ErrClosed
	}

	val, err := m.redis.Get(ctx, m.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get failed: %w", err)
	}
	return val, nil
}

// Set 设置缓存值，ttl <= 0 时不过期
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if ttl < 0 {
		ttl = 0
	}

	if err := m.redis.Set(ctx, m.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}
	return nil
}

// GetJSON 获取 JSON 缓存值
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON 设置 JSON 缓存值
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除缓存值
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = m.Key(k)
	}
	if err := m.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	return nil
}

// LoadFunc 缓存未命中时生成报告
type LoadFunc func(ctx context.Context) (any, error)

// GetOrLoadJSON 先读缓存，未命中时调用 load 并写回
//
// 同一键的并发未命中只触发一次 load。返回值 hit 表示是否来自缓存。
// Redis 错误不会返回给调用方，只会导致直接调用 load。
func (m *Manager) GetOrLoadJSON(ctx context.Context, key string, ttl time.Duration, dest any, load LoadFunc) (bool, error) {
	err := m.GetJSON(ctx, key, dest)
	if err == nil {
		m.hits.Add(1)
		return true, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		m.errors.Add(1)
		m.logger.Warn("cache read failed, loading directly", zap.String("key", key), zap.Error(err))
	}
	m.misses.Add(1)

	v, err, _ := m.loads.Do(key, func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cache value: %w", err)
		}
		if err := m.Set(ctx, key, string(data), ttl); err != nil {
			m.errors.Add(1)
			m.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
		}
		return data, nil
	})
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(v.([]byte), dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal loaded value: %w", err)
	}
	return false, nil
}

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭缓存管理器，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("closing report cache")
	return m.redis.Close()
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 缓存统计信息
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Stats 返回命中统计
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:   m.hits.Load(),
		Misses: m.misses.Load(),
		Errors: m.errors.Load(),
	}
}

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
