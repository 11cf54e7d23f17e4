package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"LinguaFM/config"
	"LinguaFM/logger"
)

// Client 访问内容服务。书籍文本归内容服务所有，
// 本服务只按 (book, chunk, level) 拉取分级改写后的文本。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建内容服务客户端
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.ContentAPIURL, "/"),
		httpClient: &http.Client{Timeout: cfg.ContentAPITimeout},
	}
}

// BookInfo 是内容服务返回的书籍概要
type BookInfo struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	ChunkCount int      `json:"chunkCount"`
	Levels     []string `json:"levels"`
}

type chunkResponse struct {
	Text string `json:"text"`
}

// Book 获取书籍概要，枚举预生成任务时需要分段数
func (c *Client) Book(ctx context.Context, bookID string) (*BookInfo, error) {
	endpoint := fmt.Sprintf("%s/api/books/%s", c.baseURL, url.PathEscape(bookID))

	var info BookInfo
	if err := c.getJSON(ctx, endpoint, &info); err != nil {
		return nil, fmt.Errorf("获取书籍信息失败 %s: %w", bookID, err)
	}
	return &info, nil
}

// ChunkText 获取某一段在指定级别下的文本
func (c *Client) ChunkText(ctx context.Context, bookID string, chunkIndex int, cefrLevel string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/books/%s/chunks/%d?level=%s",
		c.baseURL, url.PathEscape(bookID), chunkIndex, url.QueryEscape(cefrLevel))

	var chunk chunkResponse
	if err := c.getJSON(ctx, endpoint, &chunk); err != nil {
		return "", fmt.Errorf("获取章节文本失败 %s/%d@%s: %w", bookID, chunkIndex, cefrLevel, err)
	}
	if strings.TrimSpace(chunk.Text) == "" {
		return "", fmt.Errorf("章节文本为空 %s/%d@%s", bookID, chunkIndex, cefrLevel)
	}
	return chunk.Text, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		logger.Warn("内容服务返回异常状态",
			logger.String("endpoint", endpoint),
			logger.Int("status", resp.StatusCode))
		return fmt.Errorf("content service returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
