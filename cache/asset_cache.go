package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"LinguaFM/core/audiokey"
	"LinguaFM/logger"
	"LinguaFM/model"
)

// AssetCache 是音频资产的 Redis 热缓存层。
// 元数据（时间轴、时长、来源）与音频字节分键存储；
// 读取失败时降级为缓存未命中，由调用方回源 MinIO 与数据库。
type AssetCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAssetCache 创建资产缓存
func NewAssetCache(client *redis.Client, ttl time.Duration) *AssetCache {
	return &AssetCache{client: client, ttl: ttl}
}

func bytesKey(key audiokey.Key) string {
	return key.String() + ":bytes"
}

// SetAsset 写入资产元数据缓存
func (c *AssetCache) SetAsset(ctx context.Context, asset *model.AudioAsset) error {
	data, err := json.Marshal(asset)
	if err != nil {
		return err
	}

	key := asset.Key().String()
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Error("设置资产缓存失败",
			logger.String("key", key),
			logger.ErrorField(err))
		return err
	}

	logger.Debug("资产缓存设置成功",
		logger.String("key", key),
		logger.Int("metaSize", len(data)))
	return nil
}

// GetAsset 读取资产元数据，未命中返回 (nil, nil)
func (c *AssetCache) GetAsset(ctx context.Context, key audiokey.Key) (*model.AudioAsset, error) {
	data, err := c.getWithRetry(ctx, key.String())
	if err != nil || data == nil {
		return nil, err
	}

	var asset model.AudioAsset
	if err := json.Unmarshal(data, &asset); err != nil {
		logger.Warn("资产缓存内容损坏，按未命中处理",
			logger.String("key", key.String()),
			logger.ErrorField(err))
		return nil, nil
	}
	return &asset, nil
}

// SetAudio 写入音频字节缓存
func (c *AssetCache) SetAudio(ctx context.Context, key audiokey.Key, data []byte) error {
	if err := c.client.Set(ctx, bytesKey(key), data, c.ttl).Err(); err != nil {
		logger.Error("设置音频缓存失败",
			logger.String("key", key.String()),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return err
	}
	return nil
}

// GetAudio 读取音频字节，未命中返回 (nil, nil)
func (c *AssetCache) GetAudio(ctx context.Context, key audiokey.Key) ([]byte, error) {
	return c.getWithRetry(ctx, bytesKey(key))
}

// Delete 删除某个键的元数据与字节缓存
func (c *AssetCache) Delete(ctx context.Context, key audiokey.Key) error {
	if err := c.client.Del(ctx, key.String(), bytesKey(key)).Err(); err != nil {
		logger.Error("删除资产缓存失败",
			logger.String("key", key.String()),
			logger.ErrorField(err))
		return err
	}
	return nil
}

// DeleteBook 批量删除某本书的全部资产缓存
func (c *AssetCache) DeleteBook(ctx context.Context, bookID string) error {
	pattern := "audio:" + bookID + ":*"

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logger.Error("扫描资产缓存键失败",
				logger.String("pattern", pattern),
				logger.ErrorField(err))
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				logger.Error("批量删除资产缓存失败",
					logger.String("pattern", pattern),
					logger.Int("keysCount", len(keys)),
					logger.ErrorField(err))
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	logger.Info("资产缓存已按书清理", logger.String("bookId", bookID))
	return nil
}

// getWithRetry 带重试的读取；键不存在返回 (nil, nil)，
// 瞬时错误重试后仍失败时同样返回未命中，由上层回源。
func (c *AssetCache) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	const maxRetries = 2
	retryDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}

		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		if attempt < maxRetries-1 {
			logger.Warn("读取缓存失败，准备重试",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			time.Sleep(retryDelay)
			retryDelay *= 2
			continue
		}

		logger.Error("读取缓存最终失败，回源处理",
			logger.String("key", key),
			logger.Int("totalAttempts", maxRetries),
			logger.ErrorField(err))
	}
	return nil, nil
}
