package pregen

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LinguaFM/config"
	"LinguaFM/core/audiokey"
	"LinguaFM/core/tts"
	"LinguaFM/model"
	"LinguaFM/repository"
)

// fakeQueue 是内存版任务队列，抢占语义与数据库实现一致
type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]*model.QueueJob
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]*model.QueueJob)}
}

func (q *fakeQueue) Insert(job *model.QueueJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	// 同数据库一致：同键的活跃任务唯一
	for _, j := range q.jobs {
		if j.Key() == job.Key() && (j.Status == model.JobStatusPending || j.Status == model.JobStatusInProgress) {
			return repository.ErrDuplicateActiveJob
		}
	}
	copied := *job
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now().Add(time.Duration(len(q.jobs)) * time.Millisecond)
	}
	q.jobs[job.ID] = &copied
	return nil
}

func (q *fakeQueue) HasActive(key audiokey.Key) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Key() == key && (j.Status == model.JobStatusPending || j.Status == model.JobStatusInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) ClaimNext(now time.Time) (*model.QueueJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *model.QueueJob
	for _, j := range q.jobs {
		if j.Status != model.JobStatusPending || j.NextRunAt.After(now) {
			continue
		}
		if best == nil || j.Tier < best.Tier ||
			(j.Tier == best.Tier && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = model.JobStatusInProgress
	best.ClaimedAt = &now
	copied := *best
	return &copied, nil
}

func (q *fakeQueue) MarkDone(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.Status = model.JobStatusDone
	}
	return nil
}

func (q *fakeQueue) Requeue(id string, attempts int, lastError string, nextRunAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.Status = model.JobStatusPending
		j.Attempts = attempts
		j.LastError = lastError
		j.NextRunAt = nextRunAt
		j.ClaimedAt = nil
	}
	return nil
}

func (q *fakeQueue) MarkFailed(id string, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[id]; ok {
		j.Status = model.JobStatusFailed
		j.LastError = lastError
	}
	return nil
}

func (q *fakeQueue) ReclaimOrphans(claimedBefore time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for _, j := range q.jobs {
		if j.Status == model.JobStatusInProgress && j.ClaimedAt != nil && j.ClaimedAt.Before(claimedBefore) {
			j.Status = model.JobStatusPending
			j.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (q *fakeQueue) get(id string) *model.QueueJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[id]
}

// fakeAssets 记录哪些键已有活跃资产
type fakeAssets struct {
	existing map[audiokey.Key]*model.AudioAsset
}

func (a *fakeAssets) GetActive(key audiokey.Key) (*model.AudioAsset, error) {
	return a.existing[key], nil
}

// fakeStatus 记录进度调用
type fakeStatus struct {
	total     int
	completed int
	failed    int
}

func (s *fakeStatus) Init(_ string, totalExpected int) error {
	s.total = totalExpected
	s.completed = 0
	s.failed = 0
	return nil
}
func (s *fakeStatus) IncrCompleted(string) error { s.completed++; return nil }
func (s *fakeStatus) IncrFailed(string) error    { s.failed++; return nil }

// fakeText 返回固定文本
type fakeText struct {
	err error
}

func (t *fakeText) ChunkText(_ context.Context, bookID string, chunkIndex int, cefrLevel string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("text of %s chunk %d at %s", bookID, chunkIndex, cefrLevel), nil
}

// fakeSynth 可编程的合成结果
type fakeSynth struct {
	err   error
	calls int
}

func (s *fakeSynth) Synthesize(_ context.Context, text, voiceID string) (*tts.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &tts.Result{
		Audio:        []byte("audio"),
		Format:       "mp3",
		Duration:     1.0,
		TimingSource: model.TimingSourceDerived,
		Provider:     "fake",
	}, nil
}

// fakeSink 记录写入的资产
type fakeSink struct {
	puts      []audiokey.Key
	checksums []string
}

func (s *fakeSink) Put(_ context.Context, key audiokey.Key, checksum string, res *tts.Result) (*model.AudioAsset, error) {
	s.puts = append(s.puts, key)
	s.checksums = append(s.checksums, checksum)
	return &model.AudioAsset{ID: int64(len(s.puts)), BookID: key.BookID}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		WorkerCount:      2,
		RetryBase:        5 * time.Second,
		RetryCap:         10 * time.Minute,
		MaxAttempts:      5,
		QuotaMaxAttempts: 1,
		ClaimPoll:        10 * time.Millisecond,
		ReclaimAfter:     5 * time.Minute,
		ReclaimInterval:  time.Minute,
	}
}

func newTestPool(q JobQueue, synth Synthesizer, sink AssetSink, status StatusTracker) *Pool {
	return NewPool(testConfig(), q, &fakeText{}, synth, sink, status)
}

func TestEnumerateTiers(t *testing.T) {
	q := newFakeQueue()
	status := &fakeStatus{}
	e := NewEnumerator(q, &fakeAssets{existing: map[audiokey.Key]*model.AudioAsset{}}, status,
		2, []string{"A2", "B1"}, "voice-default", 5)

	res, err := e.Enumerate(EnumerateRequest{
		BookID:     "book-1",
		ChunkCount: 3,
		Levels:     []string{"A2", "B1", "C1"},
		Voices:     []string{"voice-default", "voice-alt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 18, res.Enqueued)
	assert.Equal(t, 18, status.total)

	tiers := make(map[int]int)
	for _, j := range q.jobs {
		tiers[j.Tier]++
	}
	// 头两段 × 热门两级 × 默认音色 = 4 个快启任务
	assert.Equal(t, 4, tiers[model.TierFastStart])
	// 热门级别的其余组合
	assert.Equal(t, 8, tiers[model.TierPopular])
	// C1 的全部组合
	assert.Equal(t, 6, tiers[model.TierBackground])
}

func TestEnumerateSkipsExistingAssetsAndJobs(t *testing.T) {
	q := newFakeQueue()
	done := audiokey.New("book-1", 0, "A2", "voice-a")
	inflight := audiokey.New("book-1", 1, "A2", "voice-a")
	require.NoError(t, q.Insert(model.NewQueueJob(inflight, model.TierPopular, 5)))

	status := &fakeStatus{}
	e := NewEnumerator(q,
		&fakeAssets{existing: map[audiokey.Key]*model.AudioAsset{done: {ID: 1}}},
		status, 2, []string{"A2"}, "voice-a", 5)

	res, err := e.Enumerate(EnumerateRequest{
		BookID:     "book-1",
		ChunkCount: 3,
		Levels:     []string{"A2"},
		Voices:     []string{"voice-a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, status.completed, "已有资产的组合直接计入完成")
}

// racyQueue 让存在性检查看不到某个键已有的任务，
// 模拟检查之后、插入之前别处抢先入队
type racyQueue struct {
	*fakeQueue
	contested audiokey.Key
}

func (q *racyQueue) HasActive(key audiokey.Key) (bool, error) {
	if key == q.contested {
		return false, nil
	}
	return q.fakeQueue.HasActive(key)
}

func TestEnumerateToleratesInsertRace(t *testing.T) {
	base := newFakeQueue()
	contested := audiokey.New("book-1", 0, "A2", "voice-a")
	require.NoError(t, base.Insert(model.NewQueueJob(contested, model.TierFastStart, 5)))
	q := &racyQueue{fakeQueue: base, contested: contested}

	status := &fakeStatus{}
	e := NewEnumerator(q, &fakeAssets{existing: map[audiokey.Key]*model.AudioAsset{}}, status,
		2, []string{"A2"}, "voice-a", 5)

	res, err := e.Enumerate(EnumerateRequest{
		BookID:     "book-1",
		ChunkCount: 2,
		Levels:     []string{"A2"},
		Voices:     []string{"voice-a"},
	})
	require.NoError(t, err, "唯一键冲突不该让整次枚举失败")
	assert.Equal(t, 1, res.Enqueued)
	assert.Equal(t, 1, res.Skipped)

	// 撞车的键仍然只有一个活跃任务
	count := 0
	for _, j := range base.jobs {
		if j.Key() == contested {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestClaimOrderFollowsTierThenFIFO(t *testing.T) {
	q := newFakeQueue()
	k := func(i int) audiokey.Key { return audiokey.New("book-1", i, "B1", "v") }

	background := model.NewQueueJob(k(0), model.TierBackground, 5)
	popular := model.NewQueueJob(k(1), model.TierPopular, 5)
	fastA := model.NewQueueJob(k(2), model.TierFastStart, 5)
	fastB := model.NewQueueJob(k(3), model.TierFastStart, 5)
	for _, j := range []*model.QueueJob{background, popular, fastA, fastB} {
		require.NoError(t, q.Insert(j))
	}

	now := time.Now()
	var order []string
	for {
		j, err := q.ClaimNext(now)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}

	require.Len(t, order, 4)
	assert.Equal(t, []string{fastA.ID, fastB.ID, popular.ID, background.ID}, order)
}

func TestClaimIsExclusive(t *testing.T) {
	q := newFakeQueue()
	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))

	now := time.Now()
	first, err := q.ClaimNext(now)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.ClaimNext(now)
	require.NoError(t, err)
	assert.Nil(t, second, "同一个任务不可能被抢占两次")
}

func TestRunJobSuccess(t *testing.T) {
	q := newFakeQueue()
	sink := &fakeSink{}
	status := &fakeStatus{}
	pool := newTestPool(q, &fakeSynth{}, sink, status)

	key := audiokey.New("book-1", 0, "B1", "voice-a")
	job := model.NewQueueJob(key, model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))
	claimed, err := q.ClaimNext(time.Now())
	require.NoError(t, err)

	asset, err := pool.RunJob(context.Background(), claimed)
	require.NoError(t, err)
	require.NotNil(t, asset)

	assert.Equal(t, model.JobStatusDone, q.get(job.ID).Status)
	assert.Equal(t, 1, status.completed)
	require.Len(t, sink.puts, 1)
	assert.Equal(t, key, sink.puts[0])
	assert.NotEmpty(t, sink.checksums[0])
}

func TestRunJobRequeuesWithBackoff(t *testing.T) {
	q := newFakeQueue()
	synth := &fakeSynth{err: errors.New("connection reset")}
	pool := newTestPool(q, synth, &fakeSink{}, &fakeStatus{})

	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))

	before := time.Now()
	claimed, err := q.ClaimNext(before)
	require.NoError(t, err)
	_, err = pool.RunJob(context.Background(), claimed)
	require.Error(t, err)

	stored := q.get(job.ID)
	assert.Equal(t, model.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Contains(t, stored.LastError, "connection reset")

	// 第一次重试等 base 时长
	delay := stored.NextRunAt.Sub(before)
	assert.InDelta(t, float64(5*time.Second), float64(delay), float64(time.Second))

	// 退避期间任务不可被抢占
	blocked, err := q.ClaimNext(before.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestRunJobFailsAfterMaxAttempts(t *testing.T) {
	q := newFakeQueue()
	synth := &fakeSynth{err: errors.New("always broken")}
	status := &fakeStatus{}
	pool := newTestPool(q, synth, &fakeSink{}, status)

	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 3)
	require.NoError(t, q.Insert(job))

	now := time.Now()
	for i := 0; i < 3; i++ {
		// 把时间拨过退避期再抢占
		now = now.Add(time.Hour)
		claimed, err := q.ClaimNext(now)
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", i+1)
		_, _ = pool.RunJob(context.Background(), claimed)
	}

	stored := q.get(job.ID)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, 1, status.failed)
	assert.Equal(t, 3, synth.calls, "尝试次数不应超过上限")

	// 终局失败后不再出队
	next, err := q.ClaimNext(now.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestQuotaErrorsGetLowerCeiling(t *testing.T) {
	q := newFakeQueue()
	synth := &fakeSynth{err: fmt.Errorf("provider said no: %w", tts.ErrQuotaExhausted)}
	status := &fakeStatus{}
	pool := newTestPool(q, synth, &fakeSink{}, status)

	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))
	claimed, err := q.ClaimNext(time.Now())
	require.NoError(t, err)

	_, err = pool.RunJob(context.Background(), claimed)
	require.Error(t, err)

	assert.Equal(t, model.JobStatusFailed, q.get(job.ID).Status,
		"配额错误第一次就终局，不浪费重试")
	assert.Equal(t, 1, status.failed)
}

func TestInvalidInputFailsImmediately(t *testing.T) {
	q := newFakeQueue()
	synth := &fakeSynth{err: fmt.Errorf("bad text: %w", tts.ErrInvalidInput)}
	pool := newTestPool(q, synth, &fakeSink{}, &fakeStatus{})

	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))
	claimed, err := q.ClaimNext(time.Now())
	require.NoError(t, err)

	_, err = pool.RunJob(context.Background(), claimed)
	require.Error(t, err)
	assert.Equal(t, model.JobStatusFailed, q.get(job.ID).Status)
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	ceiling := 10 * time.Minute

	assert.Equal(t, 5*time.Second, backoffDelay(base, ceiling, 0))
	assert.Equal(t, 10*time.Second, backoffDelay(base, ceiling, 1))
	assert.Equal(t, 20*time.Second, backoffDelay(base, ceiling, 2))
	assert.Equal(t, 160*time.Second, backoffDelay(base, ceiling, 5))
	assert.Equal(t, ceiling, backoffDelay(base, ceiling, 8))
	assert.Equal(t, ceiling, backoffDelay(base, ceiling, 100), "指数不应溢出")
}

func TestReclaimOrphans(t *testing.T) {
	q := newFakeQueue()
	job := model.NewQueueJob(audiokey.New("book-1", 0, "B1", "v"), model.TierFastStart, 5)
	require.NoError(t, q.Insert(job))

	claimed, err := q.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// 模拟 worker 抢占后死掉：占用时间戳停在一小时前
	stale := time.Now().Add(-time.Hour)
	q.jobs[job.ID].ClaimedAt = &stale

	// 回收阈值之前抢占的任务被放回
	n, err := q.ReclaimOrphans(time.Now().Add(-5 * time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	again, err := q.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, again, "回收后的任务可以重新被抢占")
	assert.Equal(t, job.ID, again.ID)
}
