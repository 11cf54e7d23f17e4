package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"LinguaFM/model"
)

// espeak 可执行文件的候选名，优先新版
var espeakCandidates = []string{"espeak-ng", "espeak"}

// EspeakProvider 是本地 espeak 兜底引擎：质量一般但永远可用，
// 不依赖任何外部配额。放在合成链的末位。
type EspeakProvider struct {
	binary  string
	tempDir string
}

// NewEspeakProvider 查找本机 espeak 可执行文件。
// path 非空时优先使用指定路径
func NewEspeakProvider(path string) (*EspeakProvider, error) {
	if path != "" {
		if resolved, err := exec.LookPath(path); err == nil {
			return &EspeakProvider{binary: resolved, tempDir: os.TempDir()}, nil
		}
		return nil, fmt.Errorf("espeak: binary not found at %s", path)
	}
	for _, name := range espeakCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return &EspeakProvider{binary: path, tempDir: os.TempDir()}, nil
		}
	}
	return nil, fmt.Errorf("espeak: no binary found (tried %s)", strings.Join(espeakCandidates, ", "))
}

func (p *EspeakProvider) Name() string        { return "espeak" }
func (p *EspeakProvider) NativeTimings() bool { return false }

// Synthesize 调用 espeak 写出 WAV 文件并读回。
// voiceID 无法映射到 espeak 内置音色，统一用默认英文音色。
func (p *EspeakProvider) Synthesize(ctx context.Context, text, voiceID string) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("espeak: %w: empty text", ErrInvalidInput)
	}

	outPath := filepath.Join(p.tempDir, fmt.Sprintf("espeak-%s.wav", uuid.New().String()))
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, p.binary, "-v", "en-us", "-w", outPath, text)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("espeak: synthesis failed: %w (%s)", err, strings.TrimSpace(string(output)))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("espeak: failed to read output: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("espeak: empty audio output")
	}

	duration, err := wavDuration(data)
	if err != nil {
		return nil, fmt.Errorf("espeak: %w", err)
	}

	return &Result{
		Audio:        data,
		Format:       "wav",
		Duration:     duration,
		TimingSource: model.TimingSourceDerived,
	}, nil
}

// wavDuration 从 WAV 头部解析时长：数据字节数除以字节率
func wavDuration(data []byte) (float64, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, fmt.Errorf("invalid WAV header")
	}
	byteRate := binary.LittleEndian.Uint32(data[28:32])
	if byteRate == 0 {
		return 0, fmt.Errorf("invalid WAV byte rate")
	}
	dataLen := len(data) - 44
	return float64(dataLen) / float64(byteRate), nil
}
