package pregen

import (
	"context"
	"errors"
	"sync"
	"time"

	"LinguaFM/config"
	"LinguaFM/core/audiokey"
	"LinguaFM/core/tts"
	"LinguaFM/logger"
	"LinguaFM/model"
)

// TextSource 按 (book, chunk, level) 取分级后的文本
type TextSource interface {
	ChunkText(ctx context.Context, bookID string, chunkIndex int, cefrLevel string) (string, error)
}

// Synthesizer 是合成链的依赖面
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voiceID string) (*tts.Result, error)
}

// AssetSink 写入合成结果
type AssetSink interface {
	Put(ctx context.Context, key audiokey.Key, textChecksum string, res *tts.Result) (*model.AudioAsset, error)
}

// Pool 是预生成工作池。每个 worker 循环抢占队列里优先级最高的
// 待处理任务；抢占本身就是唯一的并发控制，没有额外的锁。
// 另有一个回收循环把占用过久的在途任务放回队列，
// 应对 worker 崩溃或进程重启留下的孤儿。
type Pool struct {
	jobs   JobQueue
	text   TextSource
	synth  Synthesizer
	sink   AssetSink
	status StatusTracker

	workerCount      int
	retryBase        time.Duration
	retryCap         time.Duration
	quotaMaxAttempts int
	claimPoll        time.Duration
	reclaimAfter     time.Duration
	reclaimInterval  time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewPool 创建工作池
func NewPool(cfg *config.Config, jobs JobQueue, text TextSource, synth Synthesizer,
	sink AssetSink, status StatusTracker) *Pool {

	return &Pool{
		jobs:             jobs,
		text:             text,
		synth:            synth,
		sink:             sink,
		status:           status,
		workerCount:      cfg.WorkerCount,
		retryBase:        cfg.RetryBase,
		retryCap:         cfg.RetryCap,
		quotaMaxAttempts: cfg.QuotaMaxAttempts,
		claimPoll:        cfg.ClaimPoll,
		reclaimAfter:     cfg.ReclaimAfter,
		reclaimInterval:  cfg.ReclaimInterval,
		stopChan:         make(chan struct{}),
		now:              time.Now,
	}
}

// Start 启动 worker 与孤儿回收循环
func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	p.wg.Add(1)
	go p.reclaimLoop()

	logger.Info("预生成工作池已启动",
		logger.Int("workers", p.workerCount))
}

// Stop 停止全部循环并等待当前任务结束
func (p *Pool) Stop() {
	close(p.stopChan)
	p.wg.Wait()
	logger.Info("预生成工作池已停止")
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		job, err := p.jobs.ClaimNext(p.now())
		if err != nil {
			logger.Error("抢占任务失败",
				logger.Int("worker", id),
				logger.ErrorField(err))
			p.idle()
			continue
		}
		if job == nil {
			p.idle()
			continue
		}

		p.RunJob(context.Background(), job)
	}
}

// idle 在队列为空或出错时等待下一次轮询
func (p *Pool) idle() {
	select {
	case <-p.stopChan:
	case <-time.After(p.claimPoll):
	}
}

// RunJob 执行一个已抢占的任务并按结果推进其状态。
// 按需生成路径在抢到任务后也走这里，行为与后台 worker 完全一致。
func (p *Pool) RunJob(ctx context.Context, job *model.QueueJob) (*model.AudioAsset, error) {
	key := job.Key()

	asset, err := p.generate(ctx, key)
	if err != nil {
		p.handleFailure(job, err)
		return nil, err
	}

	if err := p.jobs.MarkDone(job.ID); err != nil {
		logger.Error("标记任务完成失败",
			logger.String("jobId", job.ID),
			logger.ErrorField(err))
	}
	if err := p.status.IncrCompleted(key.BookID); err != nil {
		logger.Warn("更新预生成进度失败",
			logger.String("bookId", key.BookID),
			logger.ErrorField(err))
	}
	return asset, nil
}

// generate 取文本、合成、落库，三步构成一次完整的生成
func (p *Pool) generate(ctx context.Context, key audiokey.Key) (*model.AudioAsset, error) {
	text, err := p.text.ChunkText(ctx, key.BookID, key.ChunkIndex, key.CefrLevel)
	if err != nil {
		return nil, err
	}

	res, err := p.synth.Synthesize(ctx, text, key.VoiceID)
	if err != nil {
		return nil, err
	}

	return p.sink.Put(ctx, key, audiokey.Checksum(text), res)
}

// handleFailure 按错误类型决定重试或终局失败。
// 配额类错误几乎不重试，换文本也救不回来；其余错误按
// 指数退避重试到次数上限。
func (p *Pool) handleFailure(job *model.QueueJob, cause error) {
	attempts := job.Attempts + 1
	maxAttempts := job.MaxAttempts
	if errors.Is(cause, tts.ErrQuotaExhausted) && p.quotaMaxAttempts < maxAttempts {
		maxAttempts = p.quotaMaxAttempts
	}

	lastError := cause.Error()
	if len(lastError) > 1000 {
		lastError = lastError[:1000]
	}

	if errors.Is(cause, tts.ErrInvalidInput) || attempts >= maxAttempts {
		logger.Error("任务终局失败",
			logger.String("jobId", job.ID),
			logger.String("key", job.Key().String()),
			logger.Int("attempts", attempts),
			logger.ErrorField(cause))
		if err := p.jobs.MarkFailed(job.ID, lastError); err != nil {
			logger.Error("标记任务失败态出错",
				logger.String("jobId", job.ID),
				logger.ErrorField(err))
		}
		if err := p.status.IncrFailed(job.BookID); err != nil {
			logger.Warn("更新预生成进度失败",
				logger.String("bookId", job.BookID),
				logger.ErrorField(err))
		}
		return
	}

	delay := backoffDelay(p.retryBase, p.retryCap, attempts-1)
	logger.Warn("任务失败，稍后重试",
		logger.String("jobId", job.ID),
		logger.String("key", job.Key().String()),
		logger.Int("attempts", attempts),
		logger.Duration("delay", delay),
		logger.ErrorField(cause))

	if err := p.jobs.Requeue(job.ID, attempts, lastError, p.now().Add(delay)); err != nil {
		logger.Error("任务重新入队失败",
			logger.String("jobId", job.ID),
			logger.ErrorField(err))
	}
}

// backoffDelay 计算第 attempt 次重试前的等待时间：base*2^attempt，封顶 cap
func backoffDelay(base, cap time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

func (p *Pool) reclaimLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			cutoff := p.now().Add(-p.reclaimAfter)
			reclaimed, err := p.jobs.ReclaimOrphans(cutoff)
			if err != nil {
				logger.Error("回收孤儿任务失败", logger.ErrorField(err))
				continue
			}
			if reclaimed > 0 {
				logger.Warn("回收了占用过久的在途任务",
					logger.Int64("reclaimed", reclaimed))
			}
		}
	}
}
