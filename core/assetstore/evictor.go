package assetstore

import (
	"context"
	"sync"
	"time"

	"LinguaFM/logger"
)

// evictBatchSize 是单轮扫描取出的候选数量
const evictBatchSize = 50

// Evictor 周期性回收过期资产的存储空间。
// 只有被标记过期的资产才会被删除，按最近服务时间从旧到新回收，
// 正被播放租约引用的资产跳过，等下一轮再看。
type Evictor struct {
	store    *Store
	leases   Leases
	budget   int64 // 存储预算（字节），超出才触发回收
	interval time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewEvictor 创建淘汰协程
func NewEvictor(store *Store, leases Leases, budget int64, interval time.Duration) *Evictor {
	return &Evictor{
		store:    store,
		leases:   leases,
		budget:   budget,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动后台回收循环
func (e *Evictor) Start() {
	e.wg.Add(1)
	go e.loop()
	logger.Info("资产淘汰协程已启动",
		logger.Int64("budgetBytes", e.budget),
		logger.Duration("interval", e.interval))
}

// Stop 停止回收循环并等待退出
func (e *Evictor) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Evictor) loop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.Sweep(context.Background())
		}
	}
}

// Sweep 执行一轮回收，返回删除的资产数
func (e *Evictor) Sweep(ctx context.Context) int {
	total, err := e.store.repo.TotalSizeBytes()
	if err != nil {
		logger.Error("统计资产总大小失败", logger.ErrorField(err))
		return 0
	}
	if total <= e.budget {
		return 0
	}

	candidates, err := e.store.repo.StaleByLastServed(evictBatchSize)
	if err != nil {
		logger.Error("查询过期资产失败", logger.ErrorField(err))
		return 0
	}

	evicted := 0
	for _, asset := range candidates {
		if total <= e.budget {
			break
		}

		key := asset.Key()
		if e.leases.Held(ctx, key) {
			logger.Debug("资产仍被播放租约引用，跳过",
				logger.String("key", key.String()))
			continue
		}

		if err := e.store.blobs.RemoveAudio(ctx, asset.ObjectPath); err != nil {
			logger.Warn("删除音频对象失败",
				logger.String("objectPath", asset.ObjectPath),
				logger.ErrorField(err))
			continue
		}
		if err := e.store.repo.Delete(asset.ID); err != nil {
			logger.Warn("删除资产元数据失败",
				logger.Int64("assetId", asset.ID),
				logger.ErrorField(err))
			continue
		}
		_ = e.store.cache.Delete(ctx, key)

		total -= asset.SizeBytes
		evicted++
	}

	if evicted > 0 {
		logger.Info("资产回收完成",
			logger.Int("evicted", evicted),
			logger.Int64("remainingBytes", total))
	}
	return evicted
}
