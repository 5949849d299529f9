package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/BaSui01/schemaflow/internal/tlsutil"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// 💾 Redis 读穿缓存
// =============================================================================

var (
	// ErrCacheMiss 键不存在
	ErrCacheMiss = errors.New("cache miss")

	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("cache manager is closed")
)

// IsCacheMiss 判断是否为缓存未命中
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Config Redis 连接配置。由 cmd 从 config.RedisConfig 转换而来
type Config struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`

	// TLS 为 true 时使用 tlsutil 的客户端配置（托管 Redis 常见）
	TLS bool `yaml:"tls" json:"tls"`

	// DefaultTTL 在调用方传入 0 时生效。版本快照不可变，TTL 只用于回收孤立键
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`

	MaxRetries   int `yaml:"max_retries" json:"max_retries"`
	PoolSize     int `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// HealthCheckInterval <= 0 时不启动后台探活
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		DefaultTTL:          time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Manager 封装 go-redis 客户端。所有操作在关闭后返回 ErrClosed
type Manager struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// options 将 Config 转换为 go-redis 选项
func (c Config) options() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		MaxRetries:   c.MaxRetries,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConns,
	}
	if c.TLS {
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			host = c.Addr
		}
		opts.TLSConfig = tlsutil.ClientConfig(host)
	}
	return opts
}

// NewManager 建立连接并探活一次。连接失败直接返回错误，由调用方决定是否降级
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(cfg.options())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	m := &Manager{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		go m.probe(cfg.HealthCheckInterval)
	} else {
		close(m.done)
	}

	m.logger.Info("redis cache connected",
		zap.String("addr", cfg.Addr),
		zap.Bool("tls", cfg.TLS),
		zap.Duration("default_ttl", cfg.DefaultTTL),
	)
	return m, nil
}

// withClient 在读锁下执行 fn，关闭后直接返回 ErrClosed
func (m *Manager) withClient(fn func(*redis.Client) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(m.client)
}

// Get 读取字符串值，键不存在时返回 ErrCacheMiss
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := m.withClient(func(c *redis.Client) error {
		v, err := c.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			return ErrCacheMiss
		case err != nil:
			m.logger.Warn("redis get failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("redis get %s: %w", key, err)
		}
		val = v
		return nil
	})
	return val, err
}

// Set 写入字符串值，ttl 为 0 时使用 DefaultTTL
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	return m.withClient(func(c *redis.Client) error {
		if err := c.Set(ctx, key, value, ttl).Err(); err != nil {
			m.logger.Warn("redis set failed", zap.String("key", key), zap.Error(err))
			return fmt.Errorf("redis set %s: %w", key, err)
		}
		return nil
	})
}

// GetJSON 读取并解码 JSON 值。解码失败不视为未命中
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	return nil
}

// SetJSON 编码为 JSON 后写入
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for %s: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除若干键，空参数为 no-op
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return m.withClient(func(c *redis.Client) error {
		if err := c.Del(ctx, keys...).Err(); err != nil {
			m.logger.Warn("redis delete failed", zap.Strings("keys", keys), zap.Error(err))
			return fmt.Errorf("redis delete: %w", err)
		}
		return nil
	})
}

// Ping 供 /ready 健康检查使用
func (m *Manager) Ping(ctx context.Context) error {
	return m.withClient(func(c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}

// Close 停止后台探活并关闭连接，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("redis cache closed")
	return m.client.Close()
}

// probe 周期性探活，只记录日志不影响读写路径
func (m *Manager) probe(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := m.client.Ping(ctx).Err()
			cancel()
			if err != nil {
				m.logger.Error("redis health probe failed", zap.Error(err))
			}
		}
	}
}
