package tts

import (
	"context"
	"errors"
	"time"

	"LinguaFM/logger"
	"LinguaFM/model"
)

// Chain 按顺序尝试多个语音合成提供方：质量最好的在前，
// 永远可用的兜底引擎在最后。任一提供方出错、超时或配额耗尽
// 都立即落到下一个；整条链耗尽才算终局失败。
// 新增或调整提供方只需改变构造时的顺序。
type Chain struct {
	providers []Provider
	timeout   time.Duration // 单个提供方的调用预算
}

// NewChain 创建合成链，providers 按优先级从高到低排列
func NewChain(timeout time.Duration, providers ...Provider) *Chain {
	return &Chain{providers: providers, timeout: timeout}
}

// Providers 返回链中提供方的名称，按优先级排列
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Synthesize 依次尝试每个提供方，返回第一个成功的结果。
// 结果缺少词级时间戳时按词长估算补齐，并标注时间轴来源。
func (c *Chain) Synthesize(ctx context.Context, text, voiceID string) (*Result, error) {
	if len(c.providers) == 0 {
		return nil, ErrAllProvidersFailed
	}

	errs := make([]error, 0, len(c.providers))
	for _, p := range c.providers {
		callCtx := ctx
		var cancel context.CancelFunc
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}

		res, err := p.Synthesize(callCtx, text, voiceID)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			logger.Warn("合成提供方失败，切换下一个",
				logger.String("provider", p.Name()),
				logger.ErrorField(err))
			errs = append(errs, err)

			// 调用方主动取消时没有必要继续尝试
			if ctx.Err() != nil {
				break
			}
			continue
		}

		res.Provider = p.Name()
		if len(res.Timings) == 0 {
			res.Timings = DeriveTimings(text, res.Duration)
			res.TimingSource = model.TimingSourceDerived
		} else if res.TimingSource == "" {
			res.TimingSource = model.TimingSourceNative
		}
		return res, nil
	}

	return nil, errors.Join(append([]error{ErrAllProvidersFailed}, errs...)...)
}
