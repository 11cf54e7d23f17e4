package voices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"LinguaFM/logger"
	"LinguaFM/model"
)

// Catalog 维护旁白音色目录。目录来自 JSON 文件，
// 文件变化时热加载，加载失败保留上一份有效目录。
type Catalog struct {
	mu       sync.RWMutex
	path     string
	fallback string // 配置的默认音色，文件里没有标默认项时兜底
	voices   []model.Voice
	byID     map[string]model.Voice
	defaults string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCatalog 加载音色目录并开始监听文件变化。
// fallbackDefault 是配置层指定的默认音色 ID，目录里没有
// 标记 default 的条目时生效
func NewCatalog(path, fallbackDefault string) (*Catalog, error) {
	c := &Catalog{
		path:     path,
		fallback: fallbackDefault,
		done:     make(chan struct{}),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听失败: %w", err)
	}
	// 监听目录而不是文件本身，编辑器原子替换文件时 inode 会变
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监听音色目录失败: %w", err)
	}
	c.watcher = watcher

	go c.watchLoop()
	return c, nil
}

// Close 停止监听
func (c *Catalog) Close() error {
	close(c.done)
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Catalog) watchLoop() {
	target := filepath.Clean(c.path)
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				logger.Error("热加载音色目录失败，沿用旧目录",
					logger.String("path", c.path),
					logger.ErrorField(err))
				continue
			}
			logger.Info("音色目录已热加载",
				logger.String("path", c.path),
				logger.Int("voices", len(c.All())))
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("音色目录监听出错", logger.ErrorField(err))
		}
	}
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("读取音色目录失败: %w", err)
	}

	var voices []model.Voice
	if err := json.Unmarshal(data, &voices); err != nil {
		return fmt.Errorf("解析音色目录失败: %w", err)
	}
	if len(voices) == 0 {
		return fmt.Errorf("音色目录为空")
	}

	byID := make(map[string]model.Voice, len(voices))
	flagged := ""
	for _, v := range voices {
		if v.ID == "" {
			return fmt.Errorf("音色缺少 id: %+v", v)
		}
		byID[v.ID] = v
		if v.Default {
			flagged = v.ID
		}
	}

	// 默认音色：文件里标记的优先，其次配置指定的，最后第一个条目
	defaultID := voices[0].ID
	if _, ok := byID[c.fallback]; ok && c.fallback != "" {
		defaultID = c.fallback
	}
	if flagged != "" {
		defaultID = flagged
	}

	c.mu.Lock()
	c.voices = voices
	c.byID = byID
	c.defaults = defaultID
	c.mu.Unlock()
	return nil
}

// All 返回全部音色
func (c *Catalog) All() []model.Voice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

// IDs 返回全部音色 ID，枚举预生成任务时用
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, len(c.voices))
	for i, v := range c.voices {
		ids[i] = v.ID
	}
	return ids
}

// Get 按 ID 查音色
func (c *Catalog) Get(id string) (model.Voice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byID[id]
	return v, ok
}

// DefaultID 返回默认音色 ID
func (c *Catalog) DefaultID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaults
}
