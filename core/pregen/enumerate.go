package pregen

import (
	"errors"
	"time"

	"LinguaFM/core/audiokey"
	"LinguaFM/logger"
	"LinguaFM/model"
	"LinguaFM/repository"
)

// JobQueue 是工作队列的持久化依赖面
type JobQueue interface {
	Insert(job *model.QueueJob) error
	HasActive(key audiokey.Key) (bool, error)
	ClaimNext(now time.Time) (*model.QueueJob, error)
	MarkDone(id string) error
	Requeue(id string, attempts int, lastError string, nextRunAt time.Time) error
	MarkFailed(id string, lastError string) error
	ReclaimOrphans(claimedBefore time.Time) (int64, error)
}

// AssetLookup 查询某个键是否已有活跃资产
type AssetLookup interface {
	GetActive(key audiokey.Key) (*model.AudioAsset, error)
}

// StatusTracker 记录每本书的预生成进度
type StatusTracker interface {
	Init(bookID string, totalExpected int) error
	IncrCompleted(bookID string) error
	IncrFailed(bookID string) error
}

// EnumerateRequest 描述一本书需要预生成的全部维度
type EnumerateRequest struct {
	BookID     string
	ChunkCount int
	Levels     []string // 全部难度级别
	Voices     []string // 全部可选音色
}

// EnumerateResult 是一次枚举的结果统计
type EnumerateResult struct {
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"` // 已有资产或已有活跃任务
}

// Enumerator 把一本书展开成 (chunk, level, voice) 的任务组合并入队。
// 三级优先级：开头几段+热门级别+默认音色最先出，热门级别其次，
// 其余维度在后台慢慢补齐。已有活跃资产或在途任务的组合跳过。
type Enumerator struct {
	jobs   JobQueue
	assets AssetLookup
	status StatusTracker

	fastStartChunks int
	popularLevels   map[string]bool
	defaultVoice    string
	maxAttempts     int
}

// NewEnumerator 创建任务枚举器
func NewEnumerator(jobs JobQueue, assets AssetLookup, status StatusTracker,
	fastStartChunks int, popularLevels []string, defaultVoice string, maxAttempts int) *Enumerator {

	popular := make(map[string]bool, len(popularLevels))
	for _, l := range popularLevels {
		popular[l] = true
	}
	return &Enumerator{
		jobs:            jobs,
		assets:          assets,
		status:          status,
		fastStartChunks: fastStartChunks,
		popularLevels:   popular,
		defaultVoice:    defaultVoice,
		maxAttempts:     maxAttempts,
	}
}

// tierFor 确定一个组合的优先级
func (e *Enumerator) tierFor(chunkIndex int, level, voiceID string) int {
	popular := e.popularLevels[level]
	switch {
	case popular && chunkIndex < e.fastStartChunks && voiceID == e.defaultVoice:
		return model.TierFastStart
	case popular:
		return model.TierPopular
	default:
		return model.TierBackground
	}
}

// Enumerate 展开并入队一本书的全部组合，返回入队与跳过的数量。
// 进度表按全部组合数初始化，跳过的组合直接计入已完成。
func (e *Enumerator) Enumerate(req EnumerateRequest) (*EnumerateResult, error) {
	total := req.ChunkCount * len(req.Levels) * len(req.Voices)
	if err := e.status.Init(req.BookID, total); err != nil {
		return nil, err
	}

	result := &EnumerateResult{}
	for chunk := 0; chunk < req.ChunkCount; chunk++ {
		for _, level := range req.Levels {
			for _, voice := range req.Voices {
				key := audiokey.New(req.BookID, chunk, level, voice)

				asset, err := e.assets.GetActive(key)
				if err != nil {
					return result, err
				}
				if asset != nil {
					result.Skipped++
					if err := e.status.IncrCompleted(req.BookID); err != nil {
						logger.Warn("更新预生成进度失败",
							logger.String("bookId", req.BookID),
							logger.ErrorField(err))
					}
					continue
				}

				active, err := e.jobs.HasActive(key)
				if err != nil {
					return result, err
				}
				if active {
					result.Skipped++
					continue
				}

				job := model.NewQueueJob(key, e.tierFor(chunk, key.CefrLevel, voice), e.maxAttempts)
				if err := e.jobs.Insert(job); err != nil {
					// 检查和插入之间别处为该键建了任务，按已在途处理
					if errors.Is(err, repository.ErrDuplicateActiveJob) {
						result.Skipped++
						continue
					}
					return result, err
				}
				result.Enqueued++
			}
		}
	}

	logger.Info("书籍预生成任务已入队",
		logger.String("bookId", req.BookID),
		logger.Int("enqueued", result.Enqueued),
		logger.Int("skipped", result.Skipped))
	return result, nil
}
