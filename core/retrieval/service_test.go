package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LinguaFM/config"
	"LinguaFM/core/audiokey"
	"LinguaFM/model"
)

type fakeAssets struct {
	mu     sync.Mutex
	assets map[audiokey.Key]*model.AudioAsset
	audio  map[audiokey.Key][]byte
	gets   int
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{
		assets: make(map[audiokey.Key]*model.AudioAsset),
		audio:  make(map[audiokey.Key][]byte),
	}
}

func (a *fakeAssets) Get(_ context.Context, key audiokey.Key) (*model.AudioAsset, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gets++
	return a.assets[key], a.audio[key], nil
}

func (a *fakeAssets) put(key audiokey.Key, audio []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assets[key] = &model.AudioAsset{ID: 1, BookID: key.BookID, ChunkIndex: key.ChunkIndex,
		CefrLevel: key.CefrLevel, VoiceID: key.VoiceID, Duration: 1.5}
	a.audio[key] = audio
}

type fakeQueue struct {
	claimed    bool
	claimCalls int
}

func (q *fakeQueue) ClaimOnDemand(key audiokey.Key, maxAttempts int) (*model.QueueJob, bool, error) {
	q.claimCalls++
	job := model.NewQueueJob(key, model.TierFastStart, maxAttempts)
	job.Status = model.JobStatusInProgress
	return job, q.claimed, nil
}

type fakeRunner struct {
	err    error
	onRun  func()
	calls  int
	assets *fakeAssets
}

func (r *fakeRunner) RunJob(_ context.Context, job *model.QueueJob) (*model.AudioAsset, error) {
	r.calls++
	if r.onRun != nil {
		r.onRun()
	}
	if r.err != nil {
		return nil, r.err
	}
	key := job.Key()
	r.assets.put(key, []byte("generated"))
	return r.assets.assets[key], nil
}

type fakeLeases struct {
	acquired []audiokey.Key
}

func (l *fakeLeases) Acquire(_ context.Context, key audiokey.Key) error {
	l.acquired = append(l.acquired, key)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		OnDemandTimeout: 2 * time.Second,
		OnDemandWait:    500 * time.Millisecond,
		MaxAttempts:     5,
	}
}

func TestResolveCacheHit(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 0, "B1", "voice-a")
	assets.put(key, []byte("cached-audio"))

	queue := &fakeQueue{}
	leases := &fakeLeases{}
	svc := NewService(testConfig(), assets, queue, &fakeRunner{assets: assets}, leases)

	res, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, []byte("cached-audio"), res.Audio)
	assert.Zero(t, queue.claimCalls, "命中时不应触碰队列")
	assert.Equal(t, []audiokey.Key{key}, leases.acquired, "就绪响应应附带播放租约")
}

func TestResolveColdCacheGeneratesOnDemand(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 4, "B1", "voice-a")

	queue := &fakeQueue{claimed: true}
	runner := &fakeRunner{assets: assets}
	svc := NewService(testConfig(), assets, queue, runner, &fakeLeases{})

	res, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, SourceOnDemand, res.Source)
	assert.Equal(t, []byte("generated"), res.Audio)
	assert.Equal(t, 1, queue.claimCalls)
	assert.Equal(t, 1, runner.calls)
	require.NotNil(t, res.Asset)
	assert.Equal(t, 1.5, res.Asset.Duration)
}

func TestResolveDegradesWhenGenerationFails(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 0, "B1", "voice-a")

	queue := &fakeQueue{claimed: true}
	runner := &fakeRunner{assets: assets, err: errors.New("all providers down")}
	svc := NewService(testConfig(), assets, queue, runner, &fakeLeases{})

	res, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err, "生成失败不是读路径的错误，降级即可")

	assert.Equal(t, SourceDegraded, res.Source)
	assert.Nil(t, res.Audio)
	assert.Positive(t, res.RetryAfter)
}

func TestResolveWaitsForInFlightGeneration(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 0, "B1", "voice-a")

	// claimed=false 模拟别处已占住该键的生成
	queue := &fakeQueue{claimed: false}
	runner := &fakeRunner{assets: assets}
	svc := NewService(testConfig(), assets, queue, runner, &fakeLeases{})

	// 等待期间资产就位
	go func() {
		time.Sleep(150 * time.Millisecond)
		assets.put(key, []byte("from-elsewhere"))
	}()

	res, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, []byte("from-elsewhere"), res.Audio)
	assert.Zero(t, runner.calls, "没抢到任务就不该自己生成")
}

func TestResolveDegradesWhenWaitExpires(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 0, "B1", "voice-a")

	queue := &fakeQueue{claimed: false}
	svc := NewService(testConfig(), assets, queue, &fakeRunner{assets: assets}, &fakeLeases{})

	start := time.Now()
	res, err := svc.Resolve(context.Background(), key)
	require.NoError(t, err)

	assert.Equal(t, SourceDegraded, res.Source)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond, "应等满预算再放弃")
}

func TestResolveHonorsCallerCancel(t *testing.T) {
	assets := newFakeAssets()
	key := audiokey.New("book-1", 0, "B1", "voice-a")

	queue := &fakeQueue{claimed: false}
	svc := NewService(testConfig(), assets, queue, &fakeRunner{assets: assets}, &fakeLeases{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := svc.Resolve(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
}
