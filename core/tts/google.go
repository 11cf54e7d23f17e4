package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "google.golang.org/genproto/googleapis/cloud/texttospeech/v1"

	"LinguaFM/model"
)

// googleMP3BitrateBps 是 Google TTS 输出 MP3 的比特率，
// 接口不返回时长，用字节数反推。
const googleMP3BitrateBps = 32000

// GoogleProvider 调用 Google Cloud Text-to-Speech。
// 该接口不提供词级时间戳，时间轴由链路按词长估算。
type GoogleProvider struct {
	client *texttospeech.Client
}

// NewGoogleProvider 创建 Google TTS 提供方，
// 依赖 GOOGLE_APPLICATION_CREDENTIALS 环境变量完成鉴权
func NewGoogleProvider(ctx context.Context) (*GoogleProvider, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google tts: failed to create client: %w", err)
	}
	return &GoogleProvider{client: client}, nil
}

func (p *GoogleProvider) Name() string        { return "google" }
func (p *GoogleProvider) NativeTimings() bool { return false }

// Close 释放底层 gRPC 连接
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Synthesize 合成音频。voiceID 形如 "en-US-Neural2-F"，
// 前两段即语言代码。
func (p *GoogleProvider) Synthesize(ctx context.Context, text, voiceID string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("google tts: %w: empty text", ErrInvalidInput)
	}

	req := &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: languageFromVoiceID(voiceID),
			Name:         voiceID,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	}

	resp, err := p.client.SynthesizeSpeech(ctx, req)
	if err != nil {
		if strings.Contains(err.Error(), "ResourceExhausted") ||
			strings.Contains(err.Error(), "Quota") {
			return nil, fmt.Errorf("google tts: %w: %v", ErrQuotaExhausted, err)
		}
		return nil, fmt.Errorf("google tts: synthesis failed: %w", err)
	}
	if len(resp.AudioContent) == 0 {
		return nil, fmt.Errorf("google tts: empty audio in response")
	}

	duration := float64(len(resp.AudioContent)) * 8 / googleMP3BitrateBps
	return &Result{
		Audio:        resp.AudioContent,
		Format:       "mp3",
		Duration:     duration,
		TimingSource: model.TimingSourceDerived,
	}, nil
}

// languageFromVoiceID 从音色名里取语言代码，取不到时回退 en-US
func languageFromVoiceID(voiceID string) string {
	parts := strings.SplitN(voiceID, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}
