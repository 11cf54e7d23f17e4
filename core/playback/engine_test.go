package playback

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LinguaFM/config"
	"LinguaFM/model"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() *config.Config {
	return &config.Config{
		SampleInterval: 200 * time.Millisecond,
		DeadBand:       25 * time.Millisecond,
		WideDeadBand:   150 * time.Millisecond,
		CorrectionGain: 0.3,
	}
}

func nativeAsset(duration float64) *model.AudioAsset {
	return &model.AudioAsset{
		Duration:     duration,
		TimingSource: model.TimingSourceNative,
		Timings: model.WordTimings{
			{Word: "hello", Start: 0, End: duration / 2},
			{Word: "world", Start: duration / 2, End: duration},
		},
	}
}

func startedEngine(t *testing.T, clock *fakeClock, asset *model.AudioAsset) *Engine {
	t.Helper()
	e := NewEngine(testConfig(), clock.now)
	require.NoError(t, e.Load(asset))
	require.NoError(t, e.Play())
	return e
}

func TestStateTransitions(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(testConfig(), clock.now)
	assert.Equal(t, StateIdle, e.State())

	require.NoError(t, e.Load(nativeAsset(10)))
	assert.Equal(t, StateLoading, e.State())

	require.NoError(t, e.Play())
	assert.Equal(t, StatePlaying, e.State())

	require.NoError(t, e.Pause())
	assert.Equal(t, StatePaused, e.State())

	require.NoError(t, e.Play())
	assert.Equal(t, StatePlaying, e.State())

	clock.advance(11 * time.Second)
	e.Position()
	assert.Equal(t, StateEnded, e.State())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine(testConfig(), clock.now)

	assert.Error(t, e.Play(), "空引擎不能直接播放")
	assert.Error(t, e.Pause())
	assert.Error(t, e.Seek(1))

	require.NoError(t, e.Load(nativeAsset(10)))
	assert.Error(t, e.Pause(), "缓冲中不能暂停")
	assert.Error(t, e.Load(nativeAsset(5)), "缓冲中不能重复装载")
}

func TestDriftConvergesWithinBudget(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	// 客户端始终落后 200ms，每 200ms 上报一次
	const lag = 0.2
	interval := 200 * time.Millisecond

	converged := time.Duration(0)
	for elapsed := time.Duration(0); elapsed < 5*time.Second; elapsed += interval {
		clock.advance(interval)
		actual := clock.t.Sub(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)).Seconds() - lag
		drift := e.ReportPosition(actual)

		if math.Abs(drift) <= 0.03 && converged == 0 {
			converged = elapsed + interval
		}
	}

	require.NotZero(t, converged, "5 秒内应收敛到 ±30ms")
	assert.LessOrEqual(t, converged, 5*time.Second)

	// 收敛后 offset 接近真实延迟
	assert.InDelta(t, lag, e.Offset(), 0.03)
}

func TestDriftWithinDeadBandIgnored(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	clock.advance(time.Second)
	// 实际位置落后 20ms，在 25ms 死区内
	drift := e.ReportPosition(1.0 - 0.02)

	assert.InDelta(t, 0.02, drift, 1e-9)
	assert.Zero(t, e.Offset(), "死区内的偏差不应触发修正")
}

func TestNoOscillationOnceConverged(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	const lag = 0.2
	interval := 200 * time.Millisecond
	base := clock.t

	var lastOffset float64
	stable := 0
	for i := 0; i < 50; i++ {
		clock.advance(interval)
		actual := clock.t.Sub(base).Seconds() - lag
		e.ReportPosition(actual)

		if e.Offset() == lastOffset {
			stable++
		} else {
			stable = 0
		}
		lastOffset = e.Offset()
	}

	assert.GreaterOrEqual(t, stable, 10, "收敛后 offset 应停止变化而不是来回摆")
}

func TestWideDeadBandForDerivedTimings(t *testing.T) {
	clock := newFakeClock()
	asset := nativeAsset(60)
	asset.TimingSource = model.TimingSourceDerived
	e := startedEngine(t, clock, asset)

	clock.advance(time.Second)
	// 100ms 偏差超出普通死区，但在估算时间轴的宽死区内
	e.ReportPosition(1.0 - 0.1)
	assert.Zero(t, e.Offset())

	clock.advance(time.Second)
	e.ReportPosition(2.0 - 0.25)
	assert.NotZero(t, e.Offset(), "超出宽死区仍要修正")
}

func TestOffsetSurvivesPauseSeekAndRateChange(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	// 先建立一个非零 offset
	clock.advance(time.Second)
	e.ReportPosition(1.0 - 0.2)
	offset := e.Offset()
	require.NotZero(t, offset)

	require.NoError(t, e.Pause())
	assert.Equal(t, offset, e.Offset(), "暂停不应重置延迟估计")

	require.NoError(t, e.Play())
	require.NoError(t, e.Seek(30))
	assert.Equal(t, offset, e.Offset(), "跳转不应重置延迟估计")

	require.NoError(t, e.SetRate(1.5))
	assert.Equal(t, offset, e.Offset(), "变速不应重置延迟估计")
}

func TestPositionFrozenWhilePaused(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	clock.advance(2 * time.Second)
	require.NoError(t, e.Pause())
	at := e.Position()

	clock.advance(10 * time.Second)
	assert.Equal(t, at, e.Position(), "暂停期间位置不应前进")
}

func TestRateAffectsExpectedPosition(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	clock.advance(2 * time.Second)
	require.NoError(t, e.SetRate(2.0))
	clock.advance(3 * time.Second)

	// 2 秒正常速 + 3 秒两倍速
	assert.InDelta(t, 8.0, e.Position(), 1e-9)
}

func TestSeekFromEnded(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(5))

	clock.advance(6 * time.Second)
	e.Position()
	require.Equal(t, StateEnded, e.State())

	require.NoError(t, e.Seek(0))
	assert.Equal(t, StatePaused, e.State())
	require.NoError(t, e.Play())
	assert.Equal(t, StatePlaying, e.State())
}

func TestStopResetsButKeepsOffset(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(60))

	clock.advance(time.Second)
	e.ReportPosition(1.0 - 0.2)
	offset := e.Offset()
	require.NotZero(t, offset)

	e.Stop()
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, offset, e.Offset(), "换段后延迟估计直接复用")

	require.NoError(t, e.Load(nativeAsset(30)))
	require.NoError(t, e.Play())
	assert.Equal(t, StatePlaying, e.State())
}

func TestHighlightHoldsThroughWordGap(t *testing.T) {
	clock := newFakeClock()
	// 原生时间轴的词之间有停顿间隙
	asset := &model.AudioAsset{
		Duration:     4,
		TimingSource: model.TimingSourceNative,
		Timings: model.WordTimings{
			{Word: "hello", Start: 0, End: 1},
			{Word: "world", Start: 2, End: 3},
		},
	}
	e := NewEngine(testConfig(), clock.now)
	require.NoError(t, e.Load(asset))
	require.NoError(t, e.Play())

	clock.advance(1500 * time.Millisecond)
	assert.Equal(t, 0, e.CurrentWordIndex(), "停顿期间维持上一个词的高亮")

	clock.advance(time.Second)
	assert.Equal(t, 1, e.CurrentWordIndex())
}

func TestCurrentWordIndex(t *testing.T) {
	clock := newFakeClock()
	e := startedEngine(t, clock, nativeAsset(10))

	assert.Equal(t, 0, e.CurrentWordIndex())

	clock.advance(6 * time.Second)
	assert.Equal(t, 1, e.CurrentWordIndex())

	clock.advance(10 * time.Second)
	assert.Equal(t, 1, e.CurrentWordIndex(), "播完停在最后一个词")
}
