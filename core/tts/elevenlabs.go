package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"LinguaFM/model"
)

const defaultElevenLabsModel = "eleven_multilingual_v2"

// ElevenLabsProvider 调用 ElevenLabs 的 with-timestamps 接口，
// 返回音频与字符级对齐数据，并在本层聚合成词级时间轴。
type ElevenLabsProvider struct {
	baseURL    string
	apiKey     string
	modelID    string
	httpClient *http.Client
}

// NewElevenLabsProvider 创建 ElevenLabs 提供方
func NewElevenLabsProvider(baseURL, apiKey string) *ElevenLabsProvider {
	return &ElevenLabsProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    defaultElevenLabsModel,
		httpClient: &http.Client{},
	}
}

func (p *ElevenLabsProvider) Name() string        { return "elevenlabs" }
func (p *ElevenLabsProvider) NativeTimings() bool { return true }

// elevenAlignment 是接口返回的字符级对齐数据
type elevenAlignment struct {
	Characters              []string  `json:"characters"`
	CharacterStartTimesSecs []float64 `json:"character_start_times_seconds"`
	CharacterEndTimesSecs   []float64 `json:"character_end_times_seconds"`
}

type elevenResponse struct {
	AudioBase64 string           `json:"audio_base64"`
	Alignment   *elevenAlignment `json:"alignment"`
}

// Synthesize 合成音频并返回词级时间轴
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text, voiceID string) (*Result, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: API key not configured")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": p.modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s/with-timestamps", p.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if strings.Contains(string(body), "quota_exceeded") {
			return nil, fmt.Errorf("elevenlabs: %w: %s", ErrQuotaExhausted, string(body))
		}
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
			return nil, fmt.Errorf("elevenlabs: %w: %s", ErrInvalidInput, string(body))
		}
		return nil, fmt.Errorf("elevenlabs: API error %d: %s", resp.StatusCode, string(body))
	}

	var parsed elevenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to decode response: %w", err)
	}

	audio, err := base64.StdEncoding.DecodeString(parsed.AudioBase64)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: failed to decode audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs: empty audio in response")
	}

	timings, duration := wordsFromCharAlignment(parsed.Alignment)
	return &Result{
		Audio:        audio,
		Format:       "mp3",
		Duration:     duration,
		Timings:      timings,
		TimingSource: model.TimingSourceNative,
	}, nil
}

// wordsFromCharAlignment 把字符级对齐聚合为词级时间轴。
// 空白字符作为词边界；总时长取最后一个字符的结束时刻。
func wordsFromCharAlignment(a *elevenAlignment) (model.WordTimings, float64) {
	if a == nil || len(a.Characters) == 0 ||
		len(a.Characters) != len(a.CharacterStartTimesSecs) ||
		len(a.Characters) != len(a.CharacterEndTimesSecs) {
		return nil, 0
	}

	var timings model.WordTimings
	var word strings.Builder
	var wordStart float64
	var lastEnd float64
	inWord := false

	flush := func(end float64) {
		if word.Len() == 0 {
			return
		}
		timings = append(timings, model.WordTiming{
			Word:  word.String(),
			Start: wordStart,
			End:   end,
		})
		word.Reset()
	}

	for i, ch := range a.Characters {
		start := a.CharacterStartTimesSecs[i]
		end := a.CharacterEndTimesSecs[i]
		if end > lastEnd {
			lastEnd = end
		}

		r, _ := utf8.DecodeRuneInString(ch)
		isSpace := r != utf8.RuneError && unicode.IsSpace(r)
		if isSpace {
			flush(start)
			inWord = false
			continue
		}
		if !inWord {
			wordStart = start
			inWord = true
		}
		word.WriteString(ch)
	}
	flush(lastEnd)

	return timings, lastEnd
}
