package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/auroracast/briefing/internal/core/audio"
	"github.com/auroracast/briefing/internal/core/script"
)

const (
	// DefaultSpeechModel はデフォルトで使用する音声合成モデル
	DefaultSpeechModel = "gpt-4o-mini-tts"

	// DefaultVoice はジョブに声の指定がない場合に使用する声
	DefaultVoice = "alloy"
)

// SpeechProvider はOpenAIの音声合成エンドポイントを使用するTTSプロバイダ
// 課金は推定再生時間（分）単位です
type SpeechProvider struct {
	client openai.Client
	model  string
}

// NewSpeechProvider はAPIキーとモデルを指定してSpeechProviderを作成する
func NewSpeechProvider(apiKey, model string) (*SpeechProvider, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	if model == "" {
		model = DefaultSpeechModel
	}

	return &SpeechProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

// Name はプロバイダ名を返す
func (p *SpeechProvider) Name() string {
	return "openai"
}

// Billing は課金モデルを返す
func (p *SpeechProvider) Billing() audio.BillingKind {
	return audio.BillingPerMinute
}

// PricingModel は料金表の参照キーとなるモデル名を返す
func (p *SpeechProvider) PricingModel() string {
	return p.model
}

// Render はスクリプトを音声へ合成する
// このモデルはポーズ用のマークアップを持たないため、
// ポーズマーカーは段落区切りに置き換えて自然な間を作ります
func (p *SpeechProvider) Render(ctx context.Context, text, voice string) ([]byte, error) {
	if voice == "" {
		voice = DefaultVoice
	}

	input := strings.ReplaceAll(text, script.PauseMarker, "\n\n")

	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(p.model),
		Input:          input,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI speech API call failed: %w", classifyAPIError(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio response: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty audio response")
	}

	return data, nil
}

// インターフェース実装の確認
var _ audio.Provider = (*SpeechProvider)(nil)
