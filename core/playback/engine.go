package playback

import (
	"fmt"
	"sync"
	"time"

	"LinguaFM/config"
	"LinguaFM/model"
)

// State 是播放状态机的状态
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Engine 驱动单个播放会话的词级高亮同步。
// 服务端根据挂钟推算期望播放位置，客户端周期性上报实际位置，
// 两者的偏差经过阻尼修正折入 offset：每次只吸收一部分偏差，
// 偏差在死区以内就按没发生处理，高亮不会来回抖。
// offset 估计的是客户端固有的延迟，seek、暂停、变速都不重置它。
type Engine struct {
	mu sync.Mutex

	state    State
	duration float64
	timings  model.WordTimings
	wide     bool // 时间轴为估算值时用更宽的死区

	rate        float64
	anchorMedia float64   // 锚点处的媒体位置（秒）
	anchorWall  time.Time // 锚点挂钟时刻
	offset      float64   // 对客户端延迟的估计（秒）

	deadBand     time.Duration
	wideDeadBand time.Duration
	gain         float64

	clock func() time.Time
}

// NewEngine 创建播放同步引擎。clock 可注入以便测试
func NewEngine(cfg *config.Config, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		state:        StateIdle,
		rate:         1.0,
		deadBand:     cfg.DeadBand,
		wideDeadBand: cfg.WideDeadBand,
		gain:         cfg.CorrectionGain,
		clock:        clock,
	}
}

// State 返回当前状态
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Offset 返回当前的延迟估计（秒）
func (e *Engine) Offset() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// Load 装载一个资产，开始缓冲
func (e *Engine) Load(asset *model.AudioAsset) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateIdle, StatePaused, StateEnded:
	default:
		return fmt.Errorf("cannot load in state %s", e.state)
	}

	e.state = StateLoading
	e.duration = asset.Duration
	e.timings = asset.Timings
	e.wide = asset.TimingSource == model.TimingSourceDerived
	e.anchorMedia = 0
	// 换资产后客户端延迟特性不变，offset 保留
	return nil
}

// Play 从缓冲完成或暂停进入播放
func (e *Engine) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateLoading, StatePaused:
	default:
		return fmt.Errorf("cannot play in state %s", e.state)
	}

	e.anchorWall = e.clock()
	e.state = StatePlaying
	return nil
}

// Pause 暂停播放，位置冻结在当前推算值
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying {
		return fmt.Errorf("cannot pause in state %s", e.state)
	}

	e.anchorMedia = e.expectedLocked(e.clock())
	e.state = StatePaused
	return nil
}

// Stop 回到空闲态，换段或断开时调用。offset 是客户端
// 链路的属性，停了也留着，下次装载直接复用
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = StateIdle
	e.duration = 0
	e.timings = nil
	e.anchorMedia = 0
	e.rate = 1.0
}

// Seek 跳到指定媒体位置。offset 描述的是传输与解码延迟，
// 与媒体位置无关，跳转不动它
func (e *Engine) Seek(pos float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StatePlaying, StatePaused, StateEnded:
	default:
		return fmt.Errorf("cannot seek in state %s", e.state)
	}

	if pos < 0 {
		pos = 0
	}
	if pos > e.duration {
		pos = e.duration
	}
	e.anchorMedia = pos
	e.anchorWall = e.clock()
	if e.state == StateEnded {
		e.state = StatePaused
	}
	return nil
}

// SetRate 调整播放速率，锚点重置到当前位置以保持连续
func (e *Engine) SetRate(rate float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rate <= 0 {
		return fmt.Errorf("invalid playback rate %v", rate)
	}

	now := e.clock()
	e.anchorMedia = e.expectedLocked(now)
	e.anchorWall = now
	e.rate = rate
	return nil
}

// ReportPosition 处理客户端上报的实际播放位置，返回修正前的偏差（秒）。
// 偏差超出死区时把 gain 比例折入 offset，几个采样周期内收敛。
func (e *Engine) ReportPosition(actual float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying {
		return 0
	}

	expected := e.expectedLocked(e.clock())
	drift := (expected - e.offset) - actual

	band := e.deadBand
	if e.wide {
		band = e.wideDeadBand
	}
	if drift > band.Seconds() || drift < -band.Seconds() {
		e.offset += e.gain * drift
	}
	return drift
}

// Position 返回修正后的高亮位置（秒），播放到头时转入 Ended
func (e *Engine) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos := e.expectedLocked(e.clock()) - e.offset
	if pos < 0 {
		pos = 0
	}
	if pos >= e.duration && e.duration > 0 {
		pos = e.duration
		if e.state == StatePlaying {
			e.state = StateEnded
		}
	}
	return pos
}

// CurrentWordIndex 返回当前应高亮的词下标：起始时间不超过当前位置的
// 最后一个词。词与词之间的停顿维持上一个词的高亮；位置在第一个词
// 之前时返回 -1
func (e *Engine) CurrentWordIndex() int {
	pos := e.Position()

	e.mu.Lock()
	defer e.mu.Unlock()
	idx := -1
	for i, wt := range e.timings {
		if wt.Start > pos {
			break
		}
		idx = i
	}
	return idx
}

// expectedLocked 推算当前挂钟时刻的期望媒体位置
func (e *Engine) expectedLocked(now time.Time) float64 {
	if e.state != StatePlaying {
		return e.anchorMedia
	}
	return e.anchorMedia + e.rate*now.Sub(e.anchorWall).Seconds()
}
