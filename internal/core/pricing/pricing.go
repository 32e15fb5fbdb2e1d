package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LLMRate はLLMモデルの価格情報
// 入力・出力トークンは料率が異なるため個別に計上します
type LLMRate struct {
	InputPricePer1kTokens  float64 `yaml:"input_price_per_1k_tokens"`
	OutputPricePer1kTokens float64 `yaml:"output_price_per_1k_tokens"`
}

// TTSRate はTTSモデルの価格情報
// プロバイダごとに課金モデルが異なる（分単位 vs 文字単位）
type TTSRate struct {
	PricePerMinute       float64 `yaml:"price_per_minute"`
	PricePer1kCharacters float64 `yaml:"price_per_1k_characters"`
}

// Table は価格テーブル全体の構造
type Table struct {
	LLM map[string]LLMRate `yaml:"llm"`
	TTS map[string]TTSRate `yaml:"tts"`
}

// Default は組み込みのデフォルト価格テーブルを返します
func Default() *Table {
	return &Table{
		LLM: map[string]LLMRate{
			"gpt-4o-mini": {
				InputPricePer1kTokens:  0.00015,
				OutputPricePer1kTokens: 0.0006,
			},
			"gpt-4o": {
				InputPricePer1kTokens:  0.0025,
				OutputPricePer1kTokens: 0.01,
			},
		},
		TTS: map[string]TTSRate{
			"gpt-4o-mini-tts": {
				PricePerMinute: 0.015,
			},
			"eleven_turbo_v2_5": {
				PricePer1kCharacters: 0.05,
			},
		},
	}
}

// Load は価格テーブルをYAMLファイルから読み込みます
// パスが空の場合は組み込みデフォルトを返します
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing config: %w", err)
	}

	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config: %w", err)
	}

	return &table, nil
}

// ScriptCost はスクリプト生成1回分のコストを計算します
func (t *Table) ScriptCost(model string, inputTokens, outputTokens int) float64 {
	rate, ok := t.LLM[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1000*rate.InputPricePer1kTokens +
		float64(outputTokens)/1000*rate.OutputPricePer1kTokens
}

// TTSMinuteCost は分単位課金のTTSコストを計算します
func (t *Table) TTSMinuteCost(model string, minutes float64) float64 {
	rate, ok := t.TTS[model]
	if !ok {
		return 0
	}
	return minutes * rate.PricePerMinute
}

// TTSCharacterCost は文字単位課金のTTSコストを計算します
func (t *Table) TTSCharacterCost(model string, characters int) float64 {
	rate, ok := t.TTS[model]
	if !ok {
		return 0
	}
	return float64(characters) / 1000 * rate.PricePer1kCharacters
}
