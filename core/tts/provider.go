package tts

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"LinguaFM/model"
)

// 语音合成错误分类。配额类错误视为永久失败，队列侧只做极少量重试。
var (
	ErrQuotaExhausted     = errors.New("tts: provider quota exhausted")
	ErrInvalidInput       = errors.New("tts: invalid synthesis input")
	ErrAllProvidersFailed = errors.New("tts: all providers failed")
)

// Result 是一次语音合成的结果
type Result struct {
	Audio        []byte
	Format       string  // "mp3" / "wav"
	Duration     float64 // 秒
	Timings      model.WordTimings
	TimingSource string // model.TimingSourceNative / model.TimingSourceDerived
	Provider     string // 实际产出音频的提供方
}

// Provider 是语音合成提供方的统一接口。
// NativeTimings 表明该提供方能否返回词级时间戳；
// 不能时由适配层按词长估算时间轴。
type Provider interface {
	Name() string
	NativeTimings() bool
	Synthesize(ctx context.Context, text, voiceID string) (*Result, error)
}

// limitedProvider 用令牌桶限制对单个提供方的调用频率
type limitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit 包装提供方，限制每秒合成调用次数
func WithRateLimit(p Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return p
	}
	return &limitedProvider{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *limitedProvider) Name() string        { return l.inner.Name() }
func (l *limitedProvider) NativeTimings() bool { return l.inner.NativeTimings() }

func (l *limitedProvider) Synthesize(ctx context.Context, text, voiceID string) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return l.inner.Synthesize(ctx, text, voiceID)
}
