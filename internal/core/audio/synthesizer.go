package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/auroracast/briefing/internal/core/pricing"
	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/pkg/retry"
)

var (
	// ErrAllProvidersFailed は全TTSプロバイダが枯渇した場合のエラー
	// ジョブにとって致命的です
	ErrAllProvidersFailed = errors.New("all tts providers exhausted")
)

const (
	// primaryAttempts はプライマリプロバイダで行う試行回数
	// これを超えるとフォールバックプロバイダへエスカレートする
	primaryAttempts = 2

	// maxAttempts は全体の試行回数の上限
	maxAttempts = 4

	// charsPerSecond は再生時間推定に使う文字毎秒の定数
	// 実際のデコード済み音声から測定した値ではなく、文字数からの近似です
	charsPerSecond = 15.5
)

// BillingKind はプロバイダの課金モデル
type BillingKind string

const (
	// BillingPerMinute は推定再生時間（分）に対する課金
	BillingPerMinute BillingKind = "per_minute"
	// BillingPerCharacter は文字数に対する課金
	BillingPerCharacter BillingKind = "per_character"
)

// Provider は1つのTTSプロバイダを表します
// Renderに渡されるスクリプトはscript.PauseMarkerを含み、
// プロバイダ固有の間の表現への変換は実装側の責務です
type Provider interface {
	Name() string
	Billing() BillingKind
	// PricingModel は価格テーブルの参照キーを返します
	PricingModel() string
	Render(ctx context.Context, text, voice string) ([]byte, error)
}

// Result は音声合成の結果
type Result struct {
	Audio           []byte
	DurationSeconds float64
	CostUSD         float64
	Provider        string
}

// Synthesizer はプライマリ/フォールバック構成でスクリプトを音声化します
type Synthesizer struct {
	primary  Provider
	fallback Provider
	pricing  *pricing.Table
	policy   retry.Policy
	logger   *slog.Logger
}

// NewSynthesizer は新しいSynthesizerを作成します
func NewSynthesizer(primary, fallback Provider, table *pricing.Table, policy retry.Policy, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		primary:  primary,
		fallback: fallback,
		pricing:  table,
		policy:   policy,
		logger:   logger,
	}
}

// Render はスクリプトを音声へ合成します
// 試行1〜2はプライマリ、3回目以降はフォールバックプロバイダを使います
// 各試行は一時的な失敗を内側でリトライし、恒久的な失敗で次の試行へ進みます
// コストは実際に成功したプロバイダの課金モデルで計上されます
func (s *Synthesizer) Render(ctx context.Context, scriptText, voice string) (*Result, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		provider := s.primary
		if attempt > primaryAttempts {
			// フォールバック未設定の構成ではプライマリの枯渇で打ち切る
			if s.fallback == nil {
				break
			}
			provider = s.fallback
		}

		var audio []byte
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			rendered, renderErr := provider.Render(ctx, scriptText, voice)
			if renderErr != nil {
				return renderErr
			}
			audio = rendered
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("tts attempt failed",
				"attempt", attempt,
				"provider", provider.Name(),
				"error", err)
			lastErr = err
			continue
		}

		result := s.account(provider, scriptText, audio)
		s.logger.Info("tts render succeeded",
			"attempt", attempt,
			"provider", provider.Name(),
			"duration_seconds", result.DurationSeconds,
			"cost_usd", result.CostUSD)
		return result, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAllProvidersFailed, maxAttempts, lastErr)
}

// account はプロバイダごとの課金モデルでコストと推定再生時間を計算します
func (s *Synthesizer) account(provider Provider, scriptText string, audio []byte) *Result {
	chars := spokenCharacters(scriptText)
	duration := float64(chars) / charsPerSecond

	var cost float64
	switch provider.Billing() {
	case BillingPerMinute:
		cost = s.pricing.TTSMinuteCost(provider.PricingModel(), duration/60)
	case BillingPerCharacter:
		cost = s.pricing.TTSCharacterCost(provider.PricingModel(), chars)
	}

	return &Result{
		Audio:           audio,
		DurationSeconds: duration,
		CostUSD:         cost,
		Provider:        provider.Name(),
	}
}

// spokenCharacters はPauseMarkerを除いた発話対象の文字数を数えます
func spokenCharacters(scriptText string) int {
	cleaned := strings.ReplaceAll(scriptText, script.PauseMarker, "")
	return len(strings.TrimSpace(cleaned))
}
