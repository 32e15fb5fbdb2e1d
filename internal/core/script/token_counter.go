package script

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はプロンプトのトークン数をカウントする機能を提供する
// APIを呼ぶ前にプロンプトがモデルコンテキストに収まるかを実測で検証し、
// 収まらない場合のコンテンツ削減と出力上限の切り詰めに使用します
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しいTokenCounterを作成する
// cl100k_baseエンコーディングを使用する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{
		encoding: encoding,
	}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.encoding == nil {
		return 0
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	return len(tokens)
}
