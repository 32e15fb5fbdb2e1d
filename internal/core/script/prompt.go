package script

import (
	"fmt"
	"strings"

	"github.com/auroracast/briefing/internal/core/briefing"
	"github.com/auroracast/briefing/internal/core/budget"
	"github.com/auroracast/briefing/internal/core/content"
)

// systemPrompt は生成の骨格を固定するシステム指示
// 事実忠実性ルール（供給された事実のみを使う）はここで強制します
const systemPrompt = `You are the writer of a personalized spoken morning briefing.
Write flowing, natural spoken prose that a text-to-speech voice will read aloud.

Hard rules:
- Use ONLY the facts supplied in the content payload. Never invent team names,
  tickers, events, temperatures, or headlines. If a detail is missing, omit it
  rather than guessing.
- Stay within the requested word band. Respect the per-section word budgets.
- Insert the literal marker [pause] between sections. Do not use any other
  bracketed text, markdown, section labels, or URLs.
- Greet the listener exactly once, at the start.`

// exemplarInput / exemplarScript はトーンとペース配分を固定するためのfew-shot例
const exemplarInput = `Listener: Dana in Maplewood. Target: about 73 words.
Sections and budgets: greeting 6, weather 22, news 35, close 10.
Weather: sunny, high 71F, low 54F, 5% rain.
News:
- "City council approves riverfront park plan" (Maplewood Gazette)`

const exemplarScript = `Good morning, Dana. Here's your Tuesday briefing.
[pause]
It's a bright one in Maplewood today, sunny with a high of seventy-one and a low
of fifty-four, and almost no chance of rain.
[pause]
In local news, the city council has approved the riverfront park plan, clearing
the way for construction to start this year.
[pause]
That's everything for now. Have a great day out there.`

// PromptInput はプロンプト構築に必要な入力の集合
type PromptInput struct {
	Job        *briefing.Job
	Ranked     content.RankedContent
	Budgets    map[budget.Section]int
	WordTarget int
}

// BuildMessages は構造化ペイロードとfew-shot例からチャットメッセージ列を構築します
func BuildMessages(in PromptInput) []Message {
	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: exemplarInput},
		{Role: RoleAssistant, Content: exemplarScript},
		{Role: RoleUser, Content: buildPayload(in)},
	}
}

// BuildCorrectionMessages は長さ補正のための追加メッセージ列を構築します
// 供給済みの事実の範囲内で、測定された過不足分だけ伸縮させます
func BuildCorrectionMessages(in PromptInput, draft string, measured int) []Message {
	lower, upper := Band(in.WordTarget)

	var instruction string
	if measured < lower {
		section := expansionTarget(in)
		instruction = fmt.Sprintf(
			"The draft below is %d words; the target band is %d-%d words. "+
				"Expand it by roughly %d words by adding one concrete detail from the "+
				"supplied %s content. Do not introduce any fact that was not supplied.",
			measured, lower, upper, lower-measured, section)
	} else {
		instruction = fmt.Sprintf(
			"The draft below is %d words; the target band is %d-%d words. "+
				"Tighten it by roughly %d words by dropping the least important supplied "+
				"detail. Do not introduce any fact that was not supplied.",
			measured, lower, upper, measured-upper)
	}

	return []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: buildPayload(in)},
		{Role: RoleAssistant, Content: draft},
		{Role: RoleUser, Content: instruction},
	}
}

// Band は目標単語数から許容バンド（±10%）を返します
func Band(wordTarget int) (lower, upper int) {
	return wordTarget * 9 / 10, wordTarget * 11 / 10
}

// expansionTarget は拡張時に詳細を足すべき最優先セクションを返します
// 優先順位: news > weather > calendar > sports > stocks > quote
func expansionTarget(in PromptInput) budget.Section {
	if len(in.Ranked.News) > 0 {
		return budget.SectionNews
	}
	if _, ok := briefing.ParseWeatherSnapshot(in.Job.WeatherSnapshot); ok && in.Job.Prefs.Weather {
		return budget.SectionWeather
	}
	if in.Job.Prefs.Calendar && len(briefing.ParseCalendarSnapshot(in.Job.CalendarSnapshot)) > 0 {
		return budget.SectionCalendar
	}
	if len(in.Ranked.Sports) > 0 {
		return budget.SectionSports
	}
	if len(in.Ranked.Stocks) > 0 {
		return budget.SectionStocks
	}
	return budget.SectionQuote
}

// buildPayload はユーザー情報・単語予算・ランキング済みコンテンツを
// 構造化テキストとして組み立てます
func buildPayload(in PromptInput) string {
	var b strings.Builder

	lower, upper := Band(in.WordTarget)

	name := in.Job.FirstName
	if name == "" {
		name = "there"
	}

	location := briefing.ParseLocationSnapshot(in.Job.LocationSnapshot)
	place := location.City
	if place == "" {
		place = location.State
	}

	fmt.Fprintf(&b, "Listener: %s", name)
	if place != "" {
		fmt.Fprintf(&b, " in %s", place)
	}
	fmt.Fprintf(&b, ". Local date: %s.\n", in.Job.LocalDate)
	fmt.Fprintf(&b, "Target: %d words (acceptable band %d-%d).\n", in.WordTarget, lower, upper)

	b.WriteString("Section word budgets:\n")
	for _, section := range []budget.Section{
		budget.SectionGreeting, budget.SectionWeather, budget.SectionCalendar,
		budget.SectionNews, budget.SectionSports, budget.SectionStocks,
		budget.SectionQuote, budget.SectionClose,
	} {
		if words := in.Budgets[section]; words > 0 {
			fmt.Fprintf(&b, "- %s: %d words\n", section, words)
		}
	}

	if weather, ok := briefing.ParseWeatherSnapshot(in.Job.WeatherSnapshot); ok && in.Job.Prefs.Weather {
		fmt.Fprintf(&b, "\nWeather: %s, high %.0fF, low %.0fF, %.0f%% chance of rain.\n",
			weather.Summary, weather.HighTempF, weather.LowTempF, weather.RainPct)
	}

	if in.Job.Prefs.Calendar {
		if events := briefing.ParseCalendarSnapshot(in.Job.CalendarSnapshot); len(events) > 0 {
			b.WriteString("\nCalendar:\n")
			for _, event := range events {
				fmt.Fprintf(&b, "- %s at %s", event.Title, event.StartsAt)
				if event.Location != "" {
					fmt.Fprintf(&b, " (%s)", event.Location)
				}
				b.WriteString("\n")
			}
		}
	}

	if len(in.Ranked.News) > 0 {
		b.WriteString("\nNews:\n")
		for _, item := range in.Ranked.News {
			fmt.Fprintf(&b, "- %q (%s)", item.Title, item.Source)
			if item.Body != "" {
				fmt.Fprintf(&b, ": %s", truncate(item.Body, 280))
			}
			b.WriteString("\n")
		}
	}

	if len(in.Ranked.Sports) > 0 {
		b.WriteString("\nSports:\n")
		for _, event := range in.Ranked.Sports {
			fmt.Fprintf(&b, "- %s: %s vs %s, status %s\n",
				event.League, event.HomeTeam, event.AwayTeam, event.Status)
		}
	}

	if len(in.Ranked.Stocks) > 0 {
		b.WriteString("\nStocks:\n")
		for _, quote := range in.Ranked.Stocks {
			fmt.Fprintf(&b, "- %s (%s): %.2f, %+.2f%%\n",
				quote.Symbol, quote.Name, quote.Price, quote.ChangePct)
		}
	}

	if in.Job.Prefs.Quotes {
		b.WriteString("\nInclude a short, widely attributed motivational quote.\n")
	}

	return b.String()
}

// truncate は本文をプロンプト用に切り詰めます
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
