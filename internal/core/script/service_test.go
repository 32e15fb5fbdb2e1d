package script

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auroracast/briefing/internal/core/briefing"
	"github.com/auroracast/briefing/internal/core/budget"
	"github.com/auroracast/briefing/internal/core/content"
	"github.com/auroracast/briefing/internal/core/pricing"
)

// stubLLM は呼び出しを記録し、あらかじめ用意したレスポンスを順に返す
type stubLLM struct {
	requests  []CompletionRequest
	responses []CompletionResponse
	errs      []error
}

func (s *stubLLM) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	call := len(s.requests)
	s.requests = append(s.requests, req)

	if call < len(s.errs) && s.errs[call] != nil {
		return CompletionResponse{}, s.errs[call]
	}
	if call < len(s.responses) {
		return s.responses[call], nil
	}
	return CompletionResponse{}, errors.New("unexpected extra call")
}

var _ LLMClient = (*stubLLM)(nil)

func testJob(prefs briefing.Preferences, seconds int) *briefing.Job {
	return &briefing.Job{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		FirstName:     "Dana",
		LocalDate:     "2026-03-03",
		Timezone:      "America/New_York",
		Prefs:         prefs,
		TargetSeconds: seconds,
		Voice:         "morning-calm",
		ScheduledFor:  time.Now(),
	}
}

// wordsOfLength はちょうどn単語のテキストを生成する
func wordsOfLength(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "word"
	}
	return strings.Join(words, " ")
}

func TestSynthesize_InBandScriptNeedsNoCorrection(t *testing.T) {
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content:      wordsOfLength(target),
		InputTokens:  900,
		OutputTokens: 400,
		Model:        "gpt-4o-mini",
	}}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	result, err := synth.Synthesize(context.Background(), job, content.RankedContent{
		News: []content.NewsItem{{Title: "Council approves park", Source: "Reuters"}},
	})

	require.NoError(t, err)
	assert.Len(t, llm.requests, 1)
	assert.False(t, result.Corrected)
	assert.Equal(t, target, result.WordCount)
	assert.InDelta(t, pricing.Default().ScriptCost("gpt-4o-mini", 900, 400), result.CostUSD, 1e-9)
}

func TestSynthesize_BandCorrectionAttemptedExactlyOnce(t *testing.T) {
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	// 1回目は短すぎ、補正後もまだ短い → それでも受け入れる
	llm := &stubLLM{responses: []CompletionResponse{
		{Content: wordsOfLength(target / 2), Model: "gpt-4o-mini"},
		{Content: wordsOfLength(target * 8 / 10), Model: "gpt-4o-mini"},
	}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	result, err := synth.Synthesize(context.Background(), job, content.RankedContent{
		News: []content.NewsItem{{Title: "Local story", Source: "AP News"}},
	})

	require.NoError(t, err)
	assert.Len(t, llm.requests, 2, "correction must be attempted exactly once")
	assert.True(t, result.Corrected)
	assert.Equal(t, target*8/10, result.WordCount)
}

func TestSynthesize_CorrectionPromptStatesDeficit(t *testing.T) {
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{
		{Content: wordsOfLength(target / 2), Model: "gpt-4o-mini"},
		{Content: wordsOfLength(target), Model: "gpt-4o-mini"},
	}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	_, err := synth.Synthesize(context.Background(), job, content.RankedContent{
		News: []content.NewsItem{{Title: "Local story", Source: "AP News"}},
	})
	require.NoError(t, err)
	require.Len(t, llm.requests, 2)

	correction := llm.requests[1].Messages
	last := correction[len(correction)-1].Content
	assert.Contains(t, last, "Expand")
	assert.Contains(t, last, "news")
	assert.Contains(t, last, "Do not introduce any fact that was not supplied")
}

func TestSynthesize_EmptyOutputIsGenerationError(t *testing.T) {
	job := testJob(briefing.Preferences{News: true}, 120)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: "[only a stage direction]",
		Model:   "gpt-4o-mini",
	}}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	_, err := synth.Synthesize(context.Background(), job, content.RankedContent{})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoUsableText)
}

func TestSynthesize_PayloadListsOnlySuppliedNewsKeys(t *testing.T) {
	// シナリオ: 2件のニュースだけを供給した場合、プロンプトには
	// その2件だけが列挙され、事実忠実性ルールが明示される
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: wordsOfLength(target),
		Model:   "gpt-4o-mini",
	}}}

	ranked := content.RankedContent{News: []content.NewsItem{
		{Title: "Council approves park", Source: "Reuters"},
		{Title: "Transit line delayed", Source: "AP News"},
	}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	_, err := synth.Synthesize(context.Background(), job, ranked)
	require.NoError(t, err)

	payload := llm.requests[0].Messages[len(llm.requests[0].Messages)-1].Content
	assert.Contains(t, payload, "Council approves park")
	assert.Contains(t, payload, "Transit line delayed")
	assert.Equal(t, 2, strings.Count(payload, "- \""), "payload must list exactly the supplied news items")

	system := llm.requests[0].Messages[0].Content
	assert.Contains(t, system, "Never invent")
}

func TestSynthesize_EmptyStocksBudgetReassignedToNews(t *testing.T) {
	// シナリオ: 株式が選択されているが候補が空 → 株式予算はニュースへ
	job := testJob(briefing.Preferences{News: true, Stocks: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: wordsOfLength(target),
		Model:   "gpt-4o-mini",
	}}}

	ranked := content.RankedContent{News: []content.NewsItem{
		{Title: "Only story in town", Source: "NPR"},
	}}

	synth := NewSynthesizer(llm, pricing.Default(), nil, nil)
	_, err := synth.Synthesize(context.Background(), job, ranked)
	require.NoError(t, err)

	payload := llm.requests[0].Messages[len(llm.requests[0].Messages)-1].Content
	assert.NotContains(t, payload, "stocks:", "empty stocks section must carry no budget")

	// ニュース予算は本来の配分より増えている
	budgets := budget.SectionWordBudget(180, map[budget.Section]bool{
		budget.SectionGreeting: true,
		budget.SectionClose:    true,
		budget.SectionNews:     true,
		budget.SectionStocks:   true,
	})
	baseline := budgets[budget.SectionNews]
	expected := baseline + budgets[budget.SectionStocks]
	assert.Contains(t, payload, "- news: "+strconv.Itoa(expected)+" words")
}

func TestReassignEmptyBudgets_FallsBackToWeatherThenCalendar(t *testing.T) {
	weather, err := json.Marshal(map[string]any{"summary": "sunny", "high_temp_f": 70.0, "low_temp_f": 50.0})
	require.NoError(t, err)

	job := testJob(briefing.Preferences{Weather: true, Stocks: true}, 180)
	job.WeatherSnapshot = weather

	budgets := budget.SectionWordBudget(180, map[budget.Section]bool{
		budget.SectionGreeting: true,
		budget.SectionClose:    true,
		budget.SectionWeather:  true,
		budget.SectionStocks:   true,
	})
	stocksBudget := budgets[budget.SectionStocks]
	weatherBudget := budgets[budget.SectionWeather]
	require.Greater(t, stocksBudget, 0)

	reassignEmptyBudgets(budgets, job, content.RankedContent{})

	assert.Zero(t, budgets[budget.SectionStocks])
	assert.Equal(t, weatherBudget+stocksBudget, budgets[budget.SectionWeather])
}

// markerEstimator はマーカー文字列の出現回数に重みを掛けてトークン数を見積もる
type markerEstimator struct {
	marker string
	weight int
}

func (m markerEstimator) CountTokens(text string) int {
	return m.weight * strings.Count(text, m.marker)
}

// fixedEstimator はメッセージ内容に関係なく一定のトークン数を返す
type fixedEstimator struct{ perMessage int }

func (f fixedEstimator) CountTokens(text string) int { return f.perMessage }

func TestSynthesize_OversizedPromptTrimsNewsTail(t *testing.T) {
	// シナリオ: ニュース候補が多すぎてプロンプトがコンテキスト予算を超える場合、
	// 末尾（低ランク側）から削って収まるサイズまで組み直す
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	items := make([]content.NewsItem, 20)
	for i := range items {
		items[i] = content.NewsItem{
			Title:  "Headline " + strconv.Itoa(i+1),
			Source: "Reuters",
			Body:   "bulkstory update",
		}
	}

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: wordsOfLength(target),
		Model:   "gpt-4o-mini",
	}}}

	// 1件あたり1000トークン相当: 20件では16384の予算に収まらない
	synth := NewSynthesizer(llm, pricing.Default(), markerEstimator{marker: "bulkstory", weight: 1000}, nil)
	_, err := synth.Synthesize(context.Background(), job, content.RankedContent{News: items})
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
	payload := llm.requests[0].Messages[len(llm.requests[0].Messages)-1].Content
	assert.Equal(t, 16, strings.Count(payload, "bulkstory"), "news must be trimmed until the prompt fits")
	assert.Contains(t, payload, "Headline 16")
	assert.NotContains(t, payload, "Headline 17", "trimming must drop the lowest-ranked tail first")

	// プロンプトが予算の大半を占めるため、出力上限は残り容量まで切り詰められる
	assert.Equal(t, 384, llm.requests[0].MaxTokens)
}

func TestSynthesize_PromptTokensClampCompletionCeiling(t *testing.T) {
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: wordsOfLength(target),
		Model:   "gpt-4o-mini",
	}}}

	// 4メッセージ×4000トークン = 16000: 削減は不要だが出力余地は384しかない
	synth := NewSynthesizer(llm, pricing.Default(), fixedEstimator{perMessage: 4000}, nil)
	_, err := synth.Synthesize(context.Background(), job, content.RankedContent{
		News: []content.NewsItem{
			{Title: "Council approves park", Source: "Reuters"},
			{Title: "Transit line delayed", Source: "AP News"},
		},
	})
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
	payload := llm.requests[0].Messages[len(llm.requests[0].Messages)-1].Content
	assert.Contains(t, payload, "Council approves park")
	assert.Contains(t, payload, "Transit line delayed")
	assert.Less(t, 384, budget.TokenCeiling(180))
	assert.Equal(t, 384, llm.requests[0].MaxTokens)
}

func TestSynthesize_ContextOverflowKeepsMinimumCompletion(t *testing.T) {
	// ニュースを全て削ってもプロンプトが予算を超える場合、出力上限は
	// 最低保証トークン数で下げ止まる
	job := testJob(briefing.Preferences{News: true}, 180)
	target := budget.WordTarget(180)

	llm := &stubLLM{responses: []CompletionResponse{{
		Content: wordsOfLength(target),
		Model:   "gpt-4o-mini",
	}}}

	synth := NewSynthesizer(llm, pricing.Default(), fixedEstimator{perMessage: 5000}, nil)
	_, err := synth.Synthesize(context.Background(), job, content.RankedContent{
		News: []content.NewsItem{{Title: "Council approves park", Source: "Reuters"}},
	})
	require.NoError(t, err)

	require.Len(t, llm.requests, 1)
	payload := llm.requests[0].Messages[len(llm.requests[0].Messages)-1].Content
	assert.NotContains(t, payload, "Council approves park")
	assert.Equal(t, minCompletionTokens, llm.requests[0].MaxTokens)
}
