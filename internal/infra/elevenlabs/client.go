package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/auroracast/briefing/internal/core/audio"
	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/pkg/retry"
)

const (
	// DefaultBaseURL はElevenLabs APIのデフォルトエンドポイント
	DefaultBaseURL = "https://api.elevenlabs.io"

	// DefaultModelID はデフォルトで使用する合成モデル
	DefaultModelID = "eleven_turbo_v2_5"

	// DefaultVoiceID はジョブに声の指定がない場合に使用する声
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// pauseBreakTag はポーズマーカーの置き換え先となるSSML風のbreakタグ
	pauseBreakTag = `<break time="600ms" />`
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("ElevenLabs API key not set")
)

// Client はElevenLabs APIを使用するフォールバックTTSプロバイダ
// 課金はリクエスト文字数単位です
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	modelID    string
}

// synthesisRequest はTTS生成リクエストのJSONペイロード
type synthesisRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// NewClient は新しいClientを作成する
func NewClient(apiKey, baseURL, modelID string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if modelID == "" {
		modelID = DefaultModelID
	}

	return &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		modelID:    modelID,
	}, nil
}

// Name はプロバイダ名を返す
func (c *Client) Name() string {
	return "elevenlabs"
}

// Billing は課金モデルを返す
func (c *Client) Billing() audio.BillingKind {
	return audio.BillingPerCharacter
}

// PricingModel は料金表の参照キーとなるモデル名を返す
func (c *Client) PricingModel() string {
	return c.modelID
}

// Render はスクリプトを音声へ合成する
// ポーズマーカーはこのプロバイダが解釈するbreakタグへ置き換えます
// レート制限（429）はRetry-Afterヘッダを待機時間のヒントとして伝播します
func (c *Client) Render(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = DefaultVoiceID
	}

	payload, err := json.Marshal(synthesisRequest{
		Text:    strings.ReplaceAll(text, script.PauseMarker, pauseBreakTag),
		ModelID: c.modelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=mp3_44100_128", c.baseURL, voice)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("ElevenLabs API call failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		apiErr := fmt.Errorf("ElevenLabs API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, classifyStatus(resp, apiErr)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty audio response")
	}

	return data, nil
}

// classifyStatus はHTTPステータスをリトライ可否で分類する
func classifyStatus(resp *http.Response, err error) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return retry.TransientAfter(err, retryAfterHint(resp))
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout:
		return retry.Transient(err)
	default:
		return err
	}
}

func retryAfterHint(resp *http.Response) time.Duration {
	seconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// インターフェース実装の確認
var _ audio.Provider = (*Client)(nil)
