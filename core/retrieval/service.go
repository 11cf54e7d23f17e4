package retrieval

import (
	"context"
	"time"

	"LinguaFM/config"
	"LinguaFM/core/audiokey"
	"LinguaFM/logger"
	"LinguaFM/model"
)

// 解析结果来源，读路径对上层只暴露这三种结果
const (
	SourceCache    = "cache"     // 命中已生成资产
	SourceOnDemand = "on-demand" // 本次请求同步生成
	SourceDegraded = "degraded"  // 暂时拿不到，客户端用本地引擎兜底
)

// waitPoll 是等待他人生成时的轮询间隔
const waitPoll = 200 * time.Millisecond

// Resolution 是一次音频解析的结果。
// cache / on-demand 时携带资产与音频字节；degraded 表示生成
// 已在路上但没赶上同步预算，客户端先用本地语音引擎顶着，
// RetryAfter 之后再来要高保真版本。
type Resolution struct {
	Source     string
	Asset      *model.AudioAsset
	Audio      []byte
	RetryAfter time.Duration
}

// AssetSource 读取已生成的资产
type AssetSource interface {
	Get(ctx context.Context, key audiokey.Key) (*model.AudioAsset, []byte, error)
}

// OnDemandQueue 为按需生成抢占或创建任务
type OnDemandQueue interface {
	ClaimOnDemand(key audiokey.Key, maxAttempts int) (job *model.QueueJob, claimed bool, err error)
}

// JobRunner 执行一个已抢占的生成任务
type JobRunner interface {
	RunJob(ctx context.Context, job *model.QueueJob) (*model.AudioAsset, error)
}

// LeaseAcquirer 为即将播放的资产建立租约
type LeaseAcquirer interface {
	Acquire(ctx context.Context, key audiokey.Key) error
}

// Service 是读路径的统一入口：缓存命中直接返回；未命中时
// 在同步预算内按需生成；生成已被别处占住就等一小会，
// 等不到再让客户端带退避重试。按需生成和后台 worker 共用
// 同一张任务表做互斥，同一个键永远只有一路生成在跑。
type Service struct {
	assets AssetSource
	queue  OnDemandQueue
	runner JobRunner
	leases LeaseAcquirer

	onDemandTimeout time.Duration
	onDemandWait    time.Duration
	maxAttempts     int
}

// NewService 创建解析服务
func NewService(cfg *config.Config, assets AssetSource, queue OnDemandQueue,
	runner JobRunner, leases LeaseAcquirer) *Service {

	return &Service{
		assets:          assets,
		queue:           queue,
		runner:          runner,
		leases:          leases,
		onDemandTimeout: cfg.OnDemandTimeout,
		onDemandWait:    cfg.OnDemandWait,
		maxAttempts:     cfg.MaxAttempts,
	}
}

// Resolve 解析一个音频键
func (s *Service) Resolve(ctx context.Context, key audiokey.Key) (*Resolution, error) {
	asset, audio, err := s.assets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if asset != nil {
		return s.ready(ctx, key, SourceCache, asset, audio), nil
	}

	job, claimed, err := s.queue.ClaimOnDemand(key, s.maxAttempts)
	if err != nil {
		return nil, err
	}

	if !claimed {
		// 别处已在生成同一个键，等一小会看它能不能赶上
		logger.Debug("生成已在途，等待结果",
			logger.String("key", key.String()),
			logger.String("jobId", job.ID))
		return s.awaitOther(ctx, key)
	}

	return s.generate(ctx, key, job)
}

// generate 在同步预算内执行按需生成
func (s *Service) generate(ctx context.Context, key audiokey.Key, job *model.QueueJob) (*Resolution, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.onDemandTimeout)
	defer cancel()

	start := time.Now()
	if _, err := s.runner.RunJob(genCtx, job); err != nil {
		// 失败已由 runner 按重试策略推进任务状态，读路径只降级
		logger.Warn("按需生成失败，返回降级响应",
			logger.String("key", key.String()),
			logger.Duration("elapsed", time.Since(start)),
			logger.ErrorField(err))
		return &Resolution{Source: SourceDegraded, RetryAfter: s.onDemandWait}, nil
	}

	logger.Info("按需生成完成",
		logger.String("key", key.String()),
		logger.Duration("elapsed", time.Since(start)))

	// 生成已落库，回读拿到字节和最终元数据
	asset, audio, err := s.assets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return &Resolution{Source: SourceDegraded, RetryAfter: s.onDemandWait}, nil
	}
	return s.ready(ctx, key, SourceOnDemand, asset, audio), nil
}

// awaitOther 轮询等待别处的生成完成
func (s *Service) awaitOther(ctx context.Context, key audiokey.Key) (*Resolution, error) {
	deadline := time.Now().Add(s.onDemandWait)
	for {
		asset, audio, err := s.assets.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if asset != nil {
			return s.ready(ctx, key, SourceCache, asset, audio), nil
		}
		if time.Now().After(deadline) {
			return &Resolution{Source: SourceDegraded, RetryAfter: s.onDemandWait}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(waitPoll):
		}
	}
}

// ready 建立播放租约并组装就绪响应
func (s *Service) ready(ctx context.Context, key audiokey.Key, source string, asset *model.AudioAsset, audio []byte) *Resolution {
	if err := s.leases.Acquire(ctx, key); err != nil {
		logger.Warn("建立播放租约失败",
			logger.String("key", key.String()),
			logger.ErrorField(err))
	}
	return &Resolution{Source: source, Asset: asset, Audio: audio}
}
