package cache

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// 🗂️ 版本快照缓存
// =============================================================================

// VersionKeyPrefix 版本快照缓存键前缀
const VersionKeyPrefix = "schemaflow:version:"

// VersionKey 返回资源某个版本的缓存键
func VersionKey(resourceID string, version int) string {
	return fmt.Sprintf("%s%s:%d", VersionKeyPrefix, resourceID, version)
}

// VersionCache 缓存不可变的版本快照。快照写入后不会改变，因此只依赖 TTL 过期。
type VersionCache struct {
	manager *Manager
	ttl     time.Duration
}

// NewVersionCache 基于缓存管理器创建版本快照缓存，ttl 为 0 时使用管理器默认 TTL
func NewVersionCache(manager *Manager, ttl time.Duration) *VersionCache {
	return &VersionCache{manager: manager, ttl: ttl}
}

// GetVersion 读取版本快照，未命中时返回 ErrCacheMiss
func (c *VersionCache) GetVersion(ctx context.Context, resourceID string, version int, dest any) error {
	return c.manager.GetJSON(ctx, VersionKey(resourceID, version), dest)
}

// SetVersion 写入版本快照
func (c *VersionCache) SetVersion(ctx context.Context, resourceID string, version int, value any) error {
	return c.manager.SetJSON(ctx, VersionKey(resourceID, version), value, c.ttl)
}
