package tts

import (
	"strings"
	"unicode/utf8"

	"LinguaFM/model"
)

// PauseWeight 是估算时间轴时附加在每个词之后的停顿权重（按字符计）。
// 这是一个可调的经验值，不是精确契约；同步引擎会用更宽的
// 容差来消化估算误差。
var PauseWeight = 1.5

// DeriveTimings 在提供方不返回词级时间戳时，按词长比例
// 把总时长分摊到每个词上，生成近似时间轴。
// 保证时间单调不减，且最后一个词的结束时刻等于总时长。
func DeriveTimings(text string, duration float64) model.WordTimings {
	words := strings.Fields(text)
	if len(words) == 0 || duration <= 0 {
		return nil
	}

	weights := make([]float64, len(words))
	var total float64
	for i, w := range words {
		weights[i] = float64(utf8.RuneCountInString(w)) + PauseWeight
		total += weights[i]
	}

	timings := make(model.WordTimings, len(words))
	var elapsed float64
	for i, w := range words {
		start := elapsed
		elapsed += duration * weights[i] / total
		timings[i] = model.WordTiming{
			Word:  w,
			Start: start,
			End:   elapsed,
		}
	}
	// 消除浮点累计误差
	timings[len(timings)-1].End = duration
	return timings
}
