package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"LinguaFM/core/audiokey"
)

// TimingSource describes where an asset's word timings came from.
const (
	TimingSourceNative  = "native"  // provider returned word-level timestamps
	TimingSourceDerived = "derived" // timings approximated from word lengths
)

// WordTiming marks when a single word is spoken, in seconds from chunk start.
type WordTiming struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// WordTimings is stored as a JSON column alongside the asset metadata.
type WordTimings []WordTiming

// Value implements driver.Valuer for GORM.
func (t WordTimings) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal word timings: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for GORM.
func (t *WordTimings) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for word timings: %T", value)
	}
	return json.Unmarshal(data, t)
}

// AudioAsset represents one fully generated, playable unit of speech.
// Assets are never mutated in place: a text change produces a new asset and
// the previous one is marked stale, to be removed later by the eviction sweep.
type AudioAsset struct {
	ID           int64       `json:"id" gorm:"primaryKey;autoIncrement"`
	BookID       string      `json:"bookId" gorm:"size:64;index:idx_asset_key,priority:1;index:idx_asset_book"`
	ChunkIndex   int         `json:"chunkIndex" gorm:"index:idx_asset_key,priority:2"`
	CefrLevel    string      `json:"cefrLevel" gorm:"size:8;index:idx_asset_key,priority:3"`
	VoiceID      string      `json:"voiceId" gorm:"size:64;index:idx_asset_key,priority:4"`
	ObjectPath   string      `json:"objectPath" gorm:"size:255"` // audio bytes live in object storage
	Duration     float64     `json:"duration"`                   // seconds
	Timings      WordTimings `json:"wordTimings" gorm:"type:json"`
	TimingSource string      `json:"timingSource" gorm:"size:16"`
	Provider     string      `json:"provider" gorm:"size:32"` // which TTS provider produced the audio
	TextChecksum string      `json:"-" gorm:"size:64;index"`
	SizeBytes    int64       `json:"sizeBytes"`
	Stale        bool        `json:"-" gorm:"index"`
	GeneratedAt  time.Time   `json:"generatedAt"`
	LastServedAt time.Time   `json:"-" gorm:"index"`
	CreatedAt    time.Time   `json:"-"`
	UpdatedAt    time.Time   `json:"-"`
}

// Key returns the composite cache key of the asset.
func (a *AudioAsset) Key() audiokey.Key {
	return audiokey.New(a.BookID, a.ChunkIndex, a.CefrLevel, a.VoiceID)
}

// TableName sets the table name for GORM.
func (AudioAsset) TableName() string {
	return "audio_assets"
}
