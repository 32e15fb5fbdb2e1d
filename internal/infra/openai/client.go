package openai

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/pkg/retry"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

	// ErrNoChoices はレスポンスに生成候補が含まれない場合のエラー
	ErrNoChoices = errors.New("no completion choices returned")
)

// Client はOpenAI APIを使用したLLMクライアント実装
type Client struct {
	client openai.Client
	model  string
	policy retry.Policy
}

// NewClient はAPIキーとモデルを指定してClientを作成する
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	if model == "" {
		model = DefaultModel
	}

	policy := retry.DefaultPolicy()
	policy.Timeout = DefaultTimeout

	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		policy: policy,
	}, nil
}

// SetRetryPolicy はリトライポリシーを差し替える
func (c *Client) SetRetryPolicy(policy retry.Policy) {
	c.policy = policy
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion はOpenAI APIを使用してテキストを生成する
// レート制限とサーバーエラーは一時的エラーとして扱い、リトライします
func (c *Client) GenerateCompletion(ctx context.Context, req script.CompletionRequest) (script.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var resp script.CompletionResponse
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return classifyAPIError(err)
		}

		if len(completion.Choices) == 0 {
			return ErrNoChoices
		}

		resp = script.CompletionResponse{
			Content:      completion.Choices[0].Message.Content,
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
			Model:        string(completion.Model),
		}
		return nil
	})
	if err != nil {
		return script.CompletionResponse{}, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	return resp, nil
}

func toOpenAIMessages(messages []script.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case script.RoleSystem:
			result = append(result, openai.SystemMessage(m.Content))
		case script.RoleAssistant:
			result = append(result, openai.AssistantMessage(m.Content))
		default:
			result = append(result, openai.UserMessage(m.Content))
		}
	}
	return result
}

// classifyAPIError はAPIエラーをリトライ可否で分類する
// 429はRetry-Afterヘッダを待機時間のヒントとして伝播する
func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.StatusCode == 429:
		return retry.TransientAfter(err, retryAfterHint(apiErr))
	case apiErr.StatusCode >= 500, apiErr.StatusCode == 408:
		return retry.Transient(err)
	default:
		return err
	}
}

func retryAfterHint(apiErr *openai.Error) time.Duration {
	if apiErr.Response == nil {
		return 0
	}
	seconds, err := strconv.Atoi(apiErr.Response.Header.Get("Retry-After"))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// インターフェース実装の確認
var _ script.LLMClient = (*Client)(nil)
