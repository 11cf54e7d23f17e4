package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"LinguaFM/core/audiokey"
	"LinguaFM/core/playback"
	"LinguaFM/core/retrieval"
	"LinguaFM/logger"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage 是客户端发来的控制消息
type wsClientMessage struct {
	Type       string  `json:"type"` // load / play / pause / seek / rate / position / stop
	BookID     string  `json:"bookId,omitempty"`
	ChunkIndex int     `json:"chunkIndex,omitempty"`
	CefrLevel  string  `json:"cefrLevel,omitempty"`
	VoiceID    string  `json:"voiceId,omitempty"`
	Position   float64 `json:"position,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
}

// WSPlaybackHandler 承载一条播放同步连接。每个连接持有自己的
// 同步引擎；客户端发控制与位置上报，服务端按采样周期推送
// 高亮下标与修正后的位置，并在播放期间为资产续租。
// URL: GET /ws/playback
func (h *APIHandler) WSPlaybackHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	engine := playback.NewEngine(h.cfg, nil)
	var writeMu sync.Mutex
	send := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			logger.Debug("websocket write failed", logger.ErrorField(err))
		}
	}

	var keyMu sync.Mutex
	var currentKey audiokey.Key
	hasKey := false

	// 推送循环：按采样周期同步高亮位置，播放期间顺带续租
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.cfg.SampleInterval)
		defer ticker.Stop()
		leaseTick := time.NewTicker(h.cfg.LeaseTTL / 2)
		defer leaseTick.Stop()

		for {
			select {
			case <-done:
				return
			case <-leaseTick.C:
				keyMu.Lock()
				key, ok := currentKey, hasKey
				keyMu.Unlock()
				if ok && engine.State() == playback.StatePlaying {
					if err := h.leases.Acquire(r.Context(), key); err != nil {
						logger.Debug("播放续租失败", logger.String("key", key.String()))
					}
				}
			case <-ticker.C:
				state := engine.State()
				if state != playback.StatePlaying && state != playback.StateEnded {
					continue
				}
				send(map[string]interface{}{
					"type":      "sync",
					"state":     state,
					"position":  engine.Position(),
					"wordIndex": engine.CurrentWordIndex(),
					"offset":    engine.Offset(),
				})
			}
		}
	}()
	defer close(done)

	for {
		var msg wsClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket closed unexpectedly", logger.ErrorField(err))
			}
			return
		}

		switch msg.Type {
		case "load":
			key := audiokey.New(msg.BookID, msg.ChunkIndex, msg.CefrLevel, msg.VoiceID)
			if msg.VoiceID == "" {
				key.VoiceID = h.catalog.DefaultID()
			}
			if !key.Valid() {
				send(map[string]string{"type": "error", "error": "invalid audio key"})
				continue
			}

			engine.Stop()
			res, err := h.retrieval.Resolve(r.Context(), key)
			if err != nil {
				logger.Error("播放装载失败",
					logger.String("key", key.String()),
					logger.ErrorField(err))
				send(map[string]string{"type": "error", "error": "failed to load audio"})
				continue
			}
			if res.Source == retrieval.SourceDegraded {
				send(map[string]interface{}{
					"type":         "status",
					"source":       res.Source,
					"retryAfterMs": res.RetryAfter.Milliseconds(),
				})
				continue
			}

			if err := engine.Load(res.Asset); err != nil {
				send(map[string]string{"type": "error", "error": err.Error()})
				continue
			}
			keyMu.Lock()
			currentKey, hasKey = key, true
			keyMu.Unlock()

			send(map[string]interface{}{
				"type":  "loaded",
				"asset": res.Asset,
			})

		case "play":
			if err := engine.Play(); err != nil {
				send(map[string]string{"type": "error", "error": err.Error()})
			}
		case "pause":
			if err := engine.Pause(); err != nil {
				send(map[string]string{"type": "error", "error": err.Error()})
			}
		case "seek":
			if err := engine.Seek(msg.Position); err != nil {
				send(map[string]string{"type": "error", "error": err.Error()})
			}
		case "rate":
			if err := engine.SetRate(msg.Rate); err != nil {
				send(map[string]string{"type": "error", "error": err.Error()})
			}
		case "position":
			engine.ReportPosition(msg.Position)
		case "stop":
			engine.Stop()
			keyMu.Lock()
			if hasKey {
				_ = h.leases.Release(r.Context(), currentKey)
			}
			hasKey = false
			keyMu.Unlock()
		default:
			send(map[string]string{"type": "error", "error": "unknown message type: " + msg.Type})
		}
	}
}
