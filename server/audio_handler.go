package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"LinguaFM/core/audiokey"
	"LinguaFM/core/pregen"
	"LinguaFM/core/retrieval"
	"LinguaFM/logger"
)

// keyFromQuery 从查询参数组装复合键，voiceId 缺省用默认音色
func (h *APIHandler) keyFromQuery(r *http.Request) (audiokey.Key, error) {
	q := r.URL.Query()

	chunkIndex, err := strconv.Atoi(q.Get("chunkIndex"))
	if err != nil {
		return audiokey.Key{}, fmt.Errorf("invalid chunkIndex: %q", q.Get("chunkIndex"))
	}

	voiceID := q.Get("voiceId")
	if voiceID == "" {
		voiceID = h.catalog.DefaultID()
	}
	if _, ok := h.catalog.Get(voiceID); !ok {
		return audiokey.Key{}, fmt.Errorf("unknown voiceId: %q", voiceID)
	}

	key := audiokey.New(q.Get("bookId"), chunkIndex, q.Get("cefrLevel"), voiceID)
	if !key.Valid() {
		return audiokey.Key{}, fmt.Errorf("incomplete audio key")
	}
	return key, nil
}

// GetAudioHandler 解析一个音频键并返回资产与音频字节。
// 结果三态：cache / on-demand 附带音频，degraded 提示客户端
// 先用本地语音引擎顶着、稍后重试。降级不是错误，始终返回 200。
// URL: GET /api/audio?bookId=&chunkIndex=&cefrLevel=&voiceId=
func (h *APIHandler) GetAudioHandler(w http.ResponseWriter, r *http.Request) {
	key, err := h.keyFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.retrieval.Resolve(r.Context(), key)
	if err != nil {
		logger.Error("音频解析失败",
			logger.String("key", key.String()),
			logger.ErrorField(err))
		http.Error(w, "Failed to resolve audio", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Source == retrieval.SourceDegraded {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"source":       res.Source,
			"retryAfterMs": res.RetryAfter.Milliseconds(),
		})
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"source":      res.Source,
		"asset":       res.Asset,
		"audioBase64": res.Audio,
	})
}

// PregenerateHandler 触发一本书的预生成枚举。
// 枚举在后台进行，接口立即返回 202。
// URL: POST /api/audio/pregenerate
func (h *APIHandler) PregenerateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID      string `json:"bookId"`
		TotalChunks int    `json:"totalChunks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BookID == "" {
		http.Error(w, "bookId is required", http.StatusBadRequest)
		return
	}

	chunkCount := req.TotalChunks
	if chunkCount <= 0 {
		book, err := h.content.Book(r.Context(), req.BookID)
		if err != nil {
			logger.Warn("查询书籍信息失败",
				logger.String("bookId", req.BookID),
				logger.ErrorField(err))
			http.Error(w, "Book not found", http.StatusNotFound)
			return
		}
		chunkCount = book.ChunkCount
	}
	if chunkCount <= 0 {
		http.Error(w, "Book has no chunks", http.StatusBadRequest)
		return
	}

	request := pregen.EnumerateRequest{
		BookID:     req.BookID,
		ChunkCount: chunkCount,
		Levels:     audiokey.CEFRLevels,
		Voices:     h.catalog.IDs(),
	}

	// 大部头书的枚举要写上万行任务，放后台慢慢来
	go func() {
		if _, err := h.enumerator.Enumerate(request); err != nil {
			logger.Error("预生成枚举失败",
				logger.String("bookId", request.BookID),
				logger.ErrorField(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"bookId":     req.BookID,
		"chunkCount": chunkCount,
		"levels":     len(request.Levels),
		"voices":     len(request.Voices),
	})
}

// PregenStatusHandler 查询一本书的预生成进度。
// URL: GET /api/audio/pregenerate/status?bookId=
func (h *APIHandler) PregenStatusHandler(w http.ResponseWriter, r *http.Request) {
	bookID := r.URL.Query().Get("bookId")
	if bookID == "" {
		http.Error(w, "bookId is required", http.StatusBadRequest)
		return
	}

	status, err := h.statusRepo.Get(bookID)
	if err != nil {
		http.Error(w, "Failed to query status", http.StatusInternalServerError)
		return
	}
	if status == nil {
		http.Error(w, "No pre-generation recorded for book", http.StatusNotFound)
		return
	}

	active, err := h.jobRepo.CountActiveByBook(bookID)
	if err != nil {
		logger.Warn("统计在途任务失败",
			logger.String("bookId", bookID),
			logger.ErrorField(err))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"activeJobs": active,
	})
}

// VoicesHandler 返回音色目录。
// URL: GET /api/voices
func (h *APIHandler) VoicesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"voices":  h.catalog.All(),
		"default": h.catalog.DefaultID(),
	})
}

// InvalidateHandler 软失效一本书的全部资产，文本修订后调用。
// URL: POST /api/audio/invalidate
func (h *APIHandler) InvalidateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID string `json:"bookId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.BookID == "" {
		http.Error(w, "bookId is required", http.StatusBadRequest)
		return
	}

	affected, err := h.store.InvalidateBook(r.Context(), req.BookID)
	if err != nil {
		logger.Error("失效书籍资产失败",
			logger.String("bookId", req.BookID),
			logger.ErrorField(err))
		http.Error(w, "Failed to invalidate assets", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"bookId":   req.BookID,
		"affected": affected,
	})
}
