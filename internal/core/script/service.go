package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/auroracast/briefing/internal/core/briefing"
	"github.com/auroracast/briefing/internal/core/budget"
	"github.com/auroracast/briefing/internal/core/content"
	"github.com/auroracast/briefing/internal/core/pricing"
)

var (
	// ErrNoUsableText は言語モデルが使用可能なテキストを返さなかった場合のエラー
	// ジョブにとって致命的です
	ErrNoUsableText = errors.New("language model returned no usable text")
)

const (
	// defaultTemperature はスクリプト生成時の温度
	defaultTemperature = 0.7

	// modelContextTokens はプロンプトと出力を合わせたモデルコンテキストの予算
	modelContextTokens = 16384

	// minCompletionTokens は出力側に最低限確保するトークン数
	minCompletionTokens = 256
)

// TokenEstimator はテキストのトークン数を見積もります
type TokenEstimator interface {
	CountTokens(text string) int
}

// Result はスクリプト生成の結果
type Result struct {
	Script     string
	CostUSD    float64
	WordTarget int
	WordCount  int

	// Corrected は長さ補正パスが実行されたかどうか
	Corrected bool
}

// Synthesizer は集約済みコンテンツとユーザー設定からスクリプトを生成します
type Synthesizer struct {
	llm     LLMClient
	pricing *pricing.Table
	counter TokenEstimator
	logger  *slog.Logger
}

// NewSynthesizer は新しいSynthesizerを作成します
// counterはnilでもよい（コンテキスト適合の検証が省略されるだけ）
func NewSynthesizer(llm LLMClient, table *pricing.Table, counter TokenEstimator, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		llm:     llm,
		pricing: table,
		counter: counter,
		logger:  logger,
	}
}

// Synthesize はスクリプトを生成し、目標単語バンドに収まるよう最大1回の
// 補正パスを行います
// 補正後もバンド外の場合は、無限ループせずそのまま受け入れます
func (s *Synthesizer) Synthesize(ctx context.Context, job *briefing.Job, ranked content.RankedContent) (Result, error) {
	wordTarget := budget.WordTarget(job.TargetSeconds)
	budgets := budget.SectionWordBudget(job.TargetSeconds, sectionsFor(job.Prefs))
	reassignEmptyBudgets(budgets, job, ranked)

	in := PromptInput{
		Job:        job,
		Ranked:     ranked,
		Budgets:    budgets,
		WordTarget: wordTarget,
	}

	messages := BuildMessages(in)
	maxTokens := budget.TokenCeiling(job.TargetSeconds)
	if s.counter != nil {
		in, messages, maxTokens = s.fitContext(in, messages, maxTokens)
	}

	resp, err := s.llm.GenerateCompletion(ctx, CompletionRequest{
		Messages:    messages,
		Temperature: defaultTemperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("script generation failed: %w", err)
	}

	cost := s.pricing.ScriptCost(resp.Model, resp.InputTokens, resp.OutputTokens)

	text := Sanitize(resp.Content)
	if text == "" {
		return Result{}, ErrNoUsableText
	}

	result := Result{
		Script:     text,
		CostUSD:    cost,
		WordTarget: wordTarget,
		WordCount:  WordCount(text),
	}

	lower, upper := Band(wordTarget)
	if result.WordCount >= lower && result.WordCount <= upper {
		return result, nil
	}

	// バンド外: 補正は1回だけ試み、収束しなければベストエフォートで受け入れる
	corrected, correctionCost, corrErr := s.correct(ctx, in, text, result.WordCount)
	result.CostUSD += correctionCost
	result.Corrected = true
	if corrErr != nil {
		s.logger.Warn("band correction failed, accepting out-of-band script",
			"job_id", job.ID,
			"word_count", result.WordCount,
			"band_lower", lower,
			"band_upper", upper,
			"error", corrErr)
		return result, nil
	}

	result.Script = corrected
	result.WordCount = WordCount(corrected)
	if result.WordCount < lower || result.WordCount > upper {
		s.logger.Info("band correction did not converge, accepting best effort",
			"job_id", job.ID,
			"word_count", result.WordCount,
			"band_lower", lower,
			"band_upper", upper)
	}

	return result, nil
}

// fitContext は実測したプロンプトトークン数をコンテキスト予算と照合します
// 収まらない場合は優先度の低いニュース候補を末尾から削ってプロンプトを
// 組み直し、出力上限も残り容量まで切り詰めます
func (s *Synthesizer) fitContext(in PromptInput, messages []Message, maxTokens int) (PromptInput, []Message, int) {
	promptTokens := s.countPrompt(messages)

	trimmed := 0
	for promptTokens+minCompletionTokens > modelContextTokens && len(in.Ranked.News) > 0 {
		in.Ranked.News = in.Ranked.News[:len(in.Ranked.News)-1]
		trimmed++
		messages = BuildMessages(in)
		promptTokens = s.countPrompt(messages)
	}
	if trimmed > 0 {
		s.logger.Warn("trimmed news candidates to fit model context",
			"job_id", in.Job.ID,
			"trimmed", trimmed,
			"prompt_tokens", promptTokens)
	}

	if available := modelContextTokens - promptTokens; available < maxTokens {
		if available < minCompletionTokens {
			available = minCompletionTokens
		}
		maxTokens = available
	}

	s.logger.Debug("built script prompt",
		"job_id", in.Job.ID,
		"prompt_tokens", promptTokens,
		"max_tokens", maxTokens,
		"word_target", in.WordTarget)

	return in, messages, maxTokens
}

func (s *Synthesizer) countPrompt(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += s.counter.CountTokens(m.Content)
	}
	return total
}

// correct は長さ補正の生成呼び出しを1回行います
func (s *Synthesizer) correct(ctx context.Context, in PromptInput, draft string, measured int) (string, float64, error) {
	resp, err := s.llm.GenerateCompletion(ctx, CompletionRequest{
		Messages:    BuildCorrectionMessages(in, draft, measured),
		Temperature: defaultTemperature,
		MaxTokens:   budget.TokenCeiling(in.Job.TargetSeconds),
	})
	if err != nil {
		return "", 0, fmt.Errorf("correction call failed: %w", err)
	}

	cost := s.pricing.ScriptCost(resp.Model, resp.InputTokens, resp.OutputTokens)

	corrected := Sanitize(resp.Content)
	if corrected == "" {
		return "", cost, ErrNoUsableText
	}

	return corrected, cost, nil
}

// sectionsFor はユーザー設定から含めるセクションの集合を導出します
// 挨拶と締めは常に含まれます
func sectionsFor(prefs briefing.Preferences) map[budget.Section]bool {
	return map[budget.Section]bool{
		budget.SectionGreeting: true,
		budget.SectionClose:    true,
		budget.SectionWeather:  prefs.Weather,
		budget.SectionCalendar: prefs.Calendar,
		budget.SectionNews:     prefs.News,
		budget.SectionSports:   prefs.Sports,
		budget.SectionStocks:   prefs.Stocks,
		budget.SectionQuote:    prefs.Quotes,
	}
}

// reassignEmptyBudgets は候補が空のコンテンツセクションの予算を
// news → weather → calendar の順で再割り当てします
func reassignEmptyBudgets(budgets map[budget.Section]int, job *briefing.Job, ranked content.RankedContent) {
	hasContent := func(section budget.Section) bool {
		switch section {
		case budget.SectionNews:
			return len(ranked.News) > 0
		case budget.SectionSports:
			return len(ranked.Sports) > 0
		case budget.SectionStocks:
			return len(ranked.Stocks) > 0
		case budget.SectionWeather:
			_, ok := briefing.ParseWeatherSnapshot(job.WeatherSnapshot)
			return ok
		case budget.SectionCalendar:
			return len(briefing.ParseCalendarSnapshot(job.CalendarSnapshot)) > 0
		default:
			return true
		}
	}

	destinationFor := func(source budget.Section) budget.Section {
		for _, dest := range []budget.Section{budget.SectionNews, budget.SectionWeather, budget.SectionCalendar} {
			if dest != source && budgets[dest] > 0 && hasContent(dest) {
				return dest
			}
		}
		return budget.SectionGreeting
	}

	for _, section := range []budget.Section{budget.SectionNews, budget.SectionSports, budget.SectionStocks} {
		if budgets[section] > 0 && !hasContent(section) {
			dest := destinationFor(section)
			budgets[dest] += budgets[section]
			budgets[section] = 0
		}
	}
}
