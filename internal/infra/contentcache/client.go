package contentcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/auroracast/briefing/internal/core/content"
)

const (
	// curatedPath は編集済みコンテンツを返す新しいエンドポイント
	curatedPath = "/v2/curated"

	// cachedPath は旧エンドポイント（curatedが未提供の環境向けフォールバック)
	cachedPath = "/v1/cached"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 30 * time.Second
)

// Client はコンテンツキャッシュサービスのHTTPクライアント
// まず/v2/curatedを試し、404またはサーバーエラーの場合のみ/v1/cachedへ
// フォールバックします
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient は新しいClientを作成する
func NewClient(baseURL, token string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// snapshotsResponse はキャッシュサービスのレスポンス形式
// 各項目の中身はソースごとに形が揺れるため、生のまま集約層へ渡します
type snapshotsResponse struct {
	News   []json.RawMessage `json:"news"`
	Sports []json.RawMessage `json:"sports"`
	Stocks []json.RawMessage `json:"stocks"`
}

// FetchSnapshots は指定された種別のコンテンツスナップショットを取得します
func (c *Client) FetchSnapshots(ctx context.Context, types []content.Type) (*content.Snapshots, error) {
	if len(types) == 0 {
		return &content.Snapshots{}, nil
	}

	resp, err := c.fetch(ctx, curatedPath, types)
	if err == nil {
		return resp, nil
	}

	var statusErr *statusError
	if !errors.As(err, &statusErr) {
		return nil, err
	}
	if statusErr.status != http.StatusNotFound && statusErr.status < 500 {
		return nil, err
	}

	fallback, fallbackErr := c.fetch(ctx, cachedPath, types)
	if fallbackErr != nil {
		return nil, fmt.Errorf("curated endpoint failed (%v) and cached fallback failed: %w", err, fallbackErr)
	}

	return fallback, nil
}

func (c *Client) fetch(ctx context.Context, path string, types []content.Type) (*content.Snapshots, error) {
	names := make([]string, 0, len(types))
	for _, t := range types {
		names = append(names, string(t))
	}

	url := fmt.Sprintf("%s%s?types=%s", c.baseURL, path, strings.Join(names, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("content cache request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{status: resp.StatusCode, path: path}
	}

	var body snapshotsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode content cache response: %w", err)
	}

	return &content.Snapshots{
		News:   body.News,
		Sports: body.Sports,
		Stocks: body.Stocks,
	}, nil
}

// statusError は非200レスポンスを表します
type statusError struct {
	status int
	path   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("content cache returned status %d for %s", e.status, e.path)
}

// インターフェース実装の確認
var _ content.Client = (*Client)(nil)
