package audiokey

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CEFRLevels 是支持的全部难度等级，从易到难
var CEFRLevels = []string{"A1", "A2", "B1", "B2", "C1", "C2"}

// Key 是音频资产的复合缓存键 (bookId, chunkIndex, cefrLevel, voiceId)。
// 全系统（缓存、对象存储、任务队列、检索接口）统一通过这里构造键，
// 禁止各处自行拼接字符串。
type Key struct {
	BookID     string
	ChunkIndex int
	CefrLevel  string
	VoiceID    string
}

// New 创建一个复合键，CEFR 等级统一为大写
func New(bookID string, chunkIndex int, cefrLevel, voiceID string) Key {
	return Key{
		BookID:     bookID,
		ChunkIndex: chunkIndex,
		CefrLevel:  strings.ToUpper(strings.TrimSpace(cefrLevel)),
		VoiceID:    voiceID,
	}
}

// String 返回规范化的键字符串，用于 Redis 键与任务去重
func (k Key) String() string {
	return fmt.Sprintf("audio:%s:%d:%s:%s", k.BookID, k.ChunkIndex, k.CefrLevel, k.VoiceID)
}

// ObjectPath 返回对象存储中音频文件的路径
func (k Key) ObjectPath() string {
	return fmt.Sprintf("audio/%s/%d/%s/%s.mp3", k.BookID, k.ChunkIndex, k.CefrLevel, k.VoiceID)
}

// Valid 校验键的各个分量
func (k Key) Valid() bool {
	return k.BookID != "" && k.ChunkIndex >= 0 && k.CefrLevel != "" && k.VoiceID != ""
}

// Parse 解析 String() 产生的规范化键
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "audio" {
		return Key{}, fmt.Errorf("invalid audio key: %q", s)
	}
	chunk, err := strconv.Atoi(parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("invalid chunk index in key %q: %w", s, err)
	}
	k := New(parts[1], chunk, parts[3], parts[4])
	if !k.Valid() {
		return Key{}, fmt.Errorf("invalid audio key: %q", s)
	}
	return k, nil
}

// Checksum 计算分块原文的校验和，用于资产失效判断。
// 原文变更会产生新的校验和，旧资产随之被判定为过期。
func Checksum(text string) string {
	sum := blake2b.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
