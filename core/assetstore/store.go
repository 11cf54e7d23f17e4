package assetstore

import (
	"context"
	"fmt"
	"time"

	"LinguaFM/core/audiokey"
	"LinguaFM/core/tts"
	"LinguaFM/logger"
	"LinguaFM/model"
)

// MetaRepo 是资产元数据仓储的最小依赖面
type MetaRepo interface {
	GetActive(key audiokey.Key) (*model.AudioAsset, error)
	Create(asset *model.AudioAsset) error
	MarkSuperseded(key audiokey.Key, keepID int64) error
	InvalidateBook(bookID string) (int64, error)
	TouchServed(id int64, servedAt time.Time) error
	TotalSizeBytes() (int64, error)
	StaleByLastServed(limit int) ([]*model.AudioAsset, error)
	Delete(id int64) error
}

// BlobStore 是音频字节对象存储的最小依赖面
type BlobStore interface {
	PutAudio(ctx context.Context, objectPath string, data []byte) error
	GetAudio(ctx context.Context, objectPath string) ([]byte, error)
	RemoveAudio(ctx context.Context, objectPath string) error
}

// MetaCache 是 Redis 热缓存的最小依赖面
type MetaCache interface {
	SetAsset(ctx context.Context, asset *model.AudioAsset) error
	GetAsset(ctx context.Context, key audiokey.Key) (*model.AudioAsset, error)
	SetAudio(ctx context.Context, key audiokey.Key, data []byte) error
	GetAudio(ctx context.Context, key audiokey.Key) ([]byte, error)
	Delete(ctx context.Context, key audiokey.Key) error
	DeleteBook(ctx context.Context, bookID string) error
}

// Leases 查询资产是否被播放租约引用
type Leases interface {
	Held(ctx context.Context, key audiokey.Key) bool
}

// Store 统一管理资产的三层存储：MySQL 元数据、MinIO 音频字节、
// Redis 热缓存。写入以键+文本校验和幂等；失效只做软标记，
// 实际删除由淘汰协程完成。
type Store struct {
	repo  MetaRepo
	blobs BlobStore
	cache MetaCache
	now   func() time.Time
}

// NewStore 创建资产存储
func NewStore(repo MetaRepo, blobs BlobStore, cache MetaCache) *Store {
	return &Store{
		repo:  repo,
		blobs: blobs,
		cache: cache,
		now:   time.Now,
	}
}

// Get 返回键对应的活跃资产及其音频字节，不存在时返回 (nil, nil, nil)。
// 命中后刷新最近服务时间，供淘汰侧排序。
func (s *Store) Get(ctx context.Context, key audiokey.Key) (*model.AudioAsset, []byte, error) {
	// 热路径：元数据和字节都在 Redis。过期标记的缓存副本不算命中
	if asset, err := s.cache.GetAsset(ctx, key); err == nil && asset != nil && !asset.Stale {
		if audio, err := s.cache.GetAudio(ctx, key); err == nil && len(audio) > 0 {
			s.touch(asset)
			return asset, audio, nil
		}
	}

	asset, err := s.repo.GetActive(key)
	if err != nil {
		return nil, nil, err
	}
	if asset == nil {
		return nil, nil, nil
	}

	audio, err := s.blobs.GetAudio(ctx, asset.ObjectPath)
	if err != nil {
		return nil, nil, fmt.Errorf("asset %s exists but audio fetch failed: %w", key, err)
	}

	// 回填缓存，失败不影响本次请求
	if err := s.cache.SetAsset(ctx, asset); err == nil {
		_ = s.cache.SetAudio(ctx, key, audio)
	}

	s.touch(asset)
	return asset, audio, nil
}

// GetMeta 只返回元数据，不拉取音频字节，不刷新服务时间
func (s *Store) GetMeta(ctx context.Context, key audiokey.Key) (*model.AudioAsset, error) {
	if asset, err := s.cache.GetAsset(ctx, key); err == nil && asset != nil && !asset.Stale {
		return asset, nil
	}
	return s.repo.GetActive(key)
}

// Put 写入一次合成结果。同键同文本已有活跃资产时直接返回既有资产，
// 丢弃新产出；文本变化时写入新资产并将旧资产标记为过期。
func (s *Store) Put(ctx context.Context, key audiokey.Key, textChecksum string, res *tts.Result) (*model.AudioAsset, error) {
	existing, err := s.repo.GetActive(key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.TextChecksum == textChecksum {
		logger.Debug("资产已存在，跳过写入",
			logger.String("key", key.String()),
			logger.Int64("assetId", existing.ID))
		return existing, nil
	}

	now := s.now()
	asset := &model.AudioAsset{
		BookID:       key.BookID,
		ChunkIndex:   key.ChunkIndex,
		CefrLevel:    key.CefrLevel,
		VoiceID:      key.VoiceID,
		ObjectPath:   key.ObjectPath(),
		Duration:     res.Duration,
		Timings:      res.Timings,
		TimingSource: res.TimingSource,
		Provider:     res.Provider,
		TextChecksum: textChecksum,
		SizeBytes:    int64(len(res.Audio)),
		GeneratedAt:  now,
		LastServedAt: now,
	}

	// 先落字节再落元数据：元数据一旦可见，音频必须已就位
	if err := s.blobs.PutAudio(ctx, asset.ObjectPath, res.Audio); err != nil {
		return nil, err
	}
	if err := s.repo.Create(asset); err != nil {
		return nil, err
	}
	if err := s.repo.MarkSuperseded(key, asset.ID); err != nil {
		logger.Warn("标记旧资产过期失败",
			logger.String("key", key.String()),
			logger.ErrorField(err))
	}

	if err := s.cache.SetAsset(ctx, asset); err == nil {
		_ = s.cache.SetAudio(ctx, key, res.Audio)
	}

	logger.Info("音频资产已写入",
		logger.String("key", key.String()),
		logger.String("provider", res.Provider),
		logger.Float64("duration", res.Duration),
		logger.Int("sizeBytes", len(res.Audio)))
	return asset, nil
}

// InvalidateBook 软失效一本书的全部资产：元数据标记过期、清掉热缓存，
// 音频字节留给淘汰协程按预算回收。返回受影响的资产数。
// 缓存没清干净就报错，否则旧音频会一直服务到 TTL 到期；
// 软标记是幂等的，调用方重试即可
func (s *Store) InvalidateBook(ctx context.Context, bookID string) (int64, error) {
	affected, err := s.repo.InvalidateBook(bookID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.DeleteBook(ctx, bookID); err != nil {
		return affected, fmt.Errorf("assets marked stale but cache purge failed for book %s: %w", bookID, err)
	}

	logger.Info("书籍资产已失效",
		logger.String("bookId", bookID),
		logger.Int64("affected", affected))
	return affected, nil
}

func (s *Store) touch(asset *model.AudioAsset) {
	if err := s.repo.TouchServed(asset.ID, s.now()); err != nil {
		logger.Warn("刷新资产服务时间失败",
			logger.Int64("assetId", asset.ID),
			logger.ErrorField(err))
	}
}
