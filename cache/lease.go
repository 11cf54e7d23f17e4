package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"LinguaFM/core/audiokey"
	"LinguaFM/logger"
)

// LeaseManager 管理播放租约。资产被租约引用期间不会被淘汰。
// 租约为短 TTL 键，播放端定期续租，连接断开后自动过期。
type LeaseManager struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaseManager 创建租约管理器
func NewLeaseManager(client *redis.Client, ttl time.Duration) *LeaseManager {
	return &LeaseManager{client: client, ttl: ttl}
}

func leaseKey(key audiokey.Key) string {
	return "lease:" + key.String()
}

// Acquire 获取或刷新某个资产的播放租约
func (m *LeaseManager) Acquire(ctx context.Context, key audiokey.Key) error {
	if err := m.client.Set(ctx, leaseKey(key), time.Now().Unix(), m.ttl).Err(); err != nil {
		logger.Warn("获取播放租约失败",
			logger.String("key", key.String()),
			logger.ErrorField(err))
		return err
	}
	return nil
}

// Release 主动释放租约
func (m *LeaseManager) Release(ctx context.Context, key audiokey.Key) error {
	return m.client.Del(ctx, leaseKey(key)).Err()
}

// Held 检查租约是否仍然有效。
// 查询出错时按持有处理，宁可推迟淘汰也不中断播放。
func (m *LeaseManager) Held(ctx context.Context, key audiokey.Key) bool {
	_, err := m.client.Get(ctx, leaseKey(key)).Result()
	if err == nil {
		return true
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	logger.Warn("查询播放租约失败，按持有处理",
		logger.String("key", key.String()),
		logger.ErrorField(err))
	return true
}
