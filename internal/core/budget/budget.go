// Package budget は目標再生時間を単語数・トークン数・セクション別の
// 予算へ変換する純粋関数群を提供します
// 同じ入力に対して常に同じ出力を返します（乱数・I/Oなし）
package budget

// WordsPerMinute は想定する読み上げ速度（words/minute）
const WordsPerMinute = 145

const (
	// wordsToTokensRatio は英語テキストの単語数→トークン数の概算倍率
	wordsToTokensRatio = 1.35

	// tokenCeilingMargin は生成時の言い回し余裕分の倍率
	tokenCeilingMargin = 1.5

	// tokenFloor / tokenCap はLLMコストを抑えるためのクランプ範囲
	tokenFloor = 256
	tokenCap   = 4096
)

// Section はスクリプトの構成セクション
type Section string

const (
	SectionGreeting Section = "greeting"
	SectionWeather  Section = "weather"
	SectionCalendar Section = "calendar"
	SectionNews     Section = "news"
	SectionSports   Section = "sports"
	SectionStocks   Section = "stocks"
	SectionQuote    Section = "quote"
	SectionClose    Section = "close"
)

// sectionWeights はセクションごとの固定配分重み
var sectionWeights = map[Section]int{
	SectionGreeting: 5,
	SectionWeather:  14,
	SectionCalendar: 12,
	SectionNews:     34,
	SectionSports:   14,
	SectionStocks:   11,
	SectionQuote:    6,
	SectionClose:    4,
}

// WordTarget は目標再生時間（秒）から目標単語数を計算します
func WordTarget(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return seconds * WordsPerMinute / 60
}

// TokenCeiling は目標単語数から生成トークン数の上限を導出します
// LLMコストを抑えるため下限・上限にクランプされます
func TokenCeiling(seconds int) int {
	ceiling := int(float64(WordTarget(seconds)) * wordsToTokensRatio * tokenCeilingMargin)
	if ceiling < tokenFloor {
		return tokenFloor
	}
	if ceiling > tokenCap {
		return tokenCap
	}
	return ceiling
}

// StoryCounts はセクションごとの採用記事数
type StoryCounts struct {
	News   int
	Sports int
	Stocks int
}

// CountsForDuration は再生時間の階層から記事数を決定します
// 連続式ではなく段階関数なので、出力が予測可能でテストしやすい
func CountsForDuration(seconds int) StoryCounts {
	switch {
	case seconds <= 60:
		return StoryCounts{News: 2, Sports: 1, Stocks: 1}
	case seconds <= 180:
		return StoryCounts{News: 3, Sports: 2, Stocks: 2}
	case seconds <= 300:
		return StoryCounts{News: 4, Sports: 3, Stocks: 3}
	default:
		return StoryCounts{News: 6, Sports: 4, Stocks: 4}
	}
}

// SectionWordBudget はセクションごとの単語数予算を割り当てます
// 除外されたセクションは0になり、その配分は含まれるセクションへ
// 比例配分で再分配されます
// 合計は常にWordTarget(seconds)と一致します
func SectionWordBudget(seconds int, included map[Section]bool) map[Section]int {
	target := WordTarget(seconds)
	budgets := make(map[Section]int, len(sectionWeights))

	totalWeight := 0
	for section, weight := range sectionWeights {
		budgets[section] = 0
		if included[section] {
			totalWeight += weight
		}
	}
	if totalWeight == 0 || target == 0 {
		return budgets
	}

	// 端数をまとめて最大重みのセクションへ寄せることで合計を厳密に一致させる
	allocated := 0
	var largest Section
	largestWeight := -1
	for section, weight := range sectionWeights {
		if !included[section] {
			continue
		}
		share := target * weight / totalWeight
		budgets[section] = share
		allocated += share
		if weight > largestWeight {
			largest = section
			largestWeight = weight
		}
	}
	budgets[largest] += target - allocated

	return budgets
}
