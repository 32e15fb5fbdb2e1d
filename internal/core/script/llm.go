package script

import "context"

// Role はチャットメッセージの役割
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message はチャット形式のメッセージ
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest はLLMへの生成リクエスト
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// CompletionResponse はLLMからの生成レスポンス
// 入力・出力トークンは料率が異なるため個別に返します
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
}

// LLMClient は言語モデルコラボレータへのインターフェース
type LLMClient interface {
	GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
