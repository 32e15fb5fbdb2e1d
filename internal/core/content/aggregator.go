package content

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/auroracast/briefing/internal/core/briefing"
)

// trustedSources は信頼できる報道機関の固定許可リスト（正規化済み）
var trustedSources = []string{
	"reuters",
	"associated press",
	"ap news",
	"bbc",
	"npr",
	"bloomberg",
	"axios",
	"the guardian",
	"wall street journal",
	"new york times",
	"washington post",
	"cnbc",
	"financial times",
}

// indexETFAllowList は週末でも時間外気配があるとみなす主要インデックスETF
var indexETFAllowList = []string{"SPY", "QQQ", "DIA", "IWM", "VTI"}

// LocalityWeights はニュースのローカル関連度スコアの重み
// 優先順位はデフォルトで neighborhood > city > county > state
type LocalityWeights struct {
	Neighborhood float64
	City         float64
	County       float64
	State        float64
}

// DefaultLocalityWeights はデフォルトの重み付けを返します
func DefaultLocalityWeights() LocalityWeights {
	return LocalityWeights{
		Neighborhood: 1.0,
		City:         0.7,
		County:       0.5,
		State:        0.3,
	}
}

// Caps はセクションごとの候補数上限（Duration Budgeterが決定する）
type Caps struct {
	News   int
	Sports int
	Stocks int
}

// Aggregator は生のコンテンツスナップショットをランキング済み候補リストへ集約します
type Aggregator struct {
	locality LocalityWeights
	logger   *slog.Logger
}

// NewAggregator は新しいAggregatorを作成します
func NewAggregator(locality LocalityWeights, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{locality: locality, logger: logger}
}

// Aggregate はスナップショットを重複排除・ランキングし、上限件数まで切り詰めます
// 不正なペイロードは個別にスキップされ、集約全体は失敗しません
func (a *Aggregator) Aggregate(job *briefing.Job, snaps *Snapshots, caps Caps) RankedContent {
	if snaps == nil {
		return RankedContent{}
	}

	location := briefing.ParseLocationSnapshot(job.LocationSnapshot)

	result := RankedContent{}
	if job.Prefs.News && caps.News > 0 {
		result.News = a.rankNews(snaps.News, location, caps.News)
	}
	if job.Prefs.Sports && caps.Sports > 0 {
		result.Sports = a.rankSports(snaps.Sports, job, caps.Sports)
	}
	if job.Prefs.Stocks && caps.Stocks > 0 {
		result.Stocks = a.rankStocks(snaps.Stocks, job, caps.Stocks)
	}

	return result
}

type scoredNews struct {
	item  NewsItem
	score float64
}

// rankNews はニュースを重複排除し、信頼度+ローカル関連度でランキングします
func (a *Aggregator) rankNews(raw []json.RawMessage, location briefing.LocationInfo, cap int) []NewsItem {
	seen := make(map[string]bool)
	scored := make([]scoredNews, 0, len(raw))

	for _, payload := range raw {
		item, err := ParseNewsItem(payload)
		if err != nil {
			a.logger.Warn("skipping malformed news payload", "error", err)
			continue
		}

		key := item.DedupeKey()
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		scored = append(scored, scoredNews{
			item:  item,
			score: trustScore(item.Source) + a.localityScore(item, location),
		})
	}

	// スコア降順、同点は新しい順
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].item.PublishedAt.After(scored[j].item.PublishedAt)
	})

	if len(scored) > cap {
		scored = scored[:cap]
	}

	items := make([]NewsItem, 0, len(scored))
	for _, s := range scored {
		items = append(items, s.item)
	}
	return items
}

// rankSports は日付とステータスで有効性を判定し、開始時刻順に並べます
func (a *Aggregator) rankSports(raw []json.RawMessage, job *briefing.Job, cap int) []SportsEvent {
	targetDate, err := job.TargetDate()
	if err != nil {
		a.logger.Warn("failed to resolve job local date, skipping sports", "error", err)
		return nil
	}

	seen := make(map[string]bool)
	events := make([]SportsEvent, 0, len(raw))

	for _, payload := range raw {
		event, parseErr := ParseSportsEvent(payload)
		if parseErr != nil {
			a.logger.Warn("skipping malformed sports payload", "error", parseErr)
			continue
		}

		// タイムゾーンのずれを許容して±1日まで有効
		if !withinOneDay(event.StartsAt, targetDate) {
			continue
		}
		if normalizeEventStatus(event.Status) == "" {
			continue
		}

		key := event.DedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		events = append(events, event)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartsAt.Before(events[j].StartsAt)
	})

	if len(events) > cap {
		events = events[:cap]
	}
	return events
}

// rankStocks は週末ポリシーと暗号資産設定を適用し、変動率順に並べます
func (a *Aggregator) rankStocks(raw []json.RawMessage, job *briefing.Job, cap int) []StockQuote {
	weekend := false
	if targetDate, err := job.TargetDate(); err == nil {
		wd := targetDate.Weekday()
		weekend = wd == time.Saturday || wd == time.Sunday
	}

	seen := make(map[string]bool)
	quotes := make([]StockQuote, 0, len(raw))

	for _, payload := range raw {
		quote, parseErr := ParseStockQuote(payload)
		if parseErr != nil {
			a.logger.Warn("skipping malformed stock payload", "error", parseErr)
			continue
		}

		if isCrypto(quote) && !job.Prefs.Crypto {
			continue
		}

		// 週末は株式と常時クローズ銘柄を除外し、
		// 暗号資産と主要インデックスETFのみを残す
		if weekend && !isCrypto(quote) && !isIndexETF(quote.Symbol) {
			continue
		}

		key := quote.DedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		quotes = append(quotes, quote)
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		return abs(quotes[i].ChangePct) > abs(quotes[j].ChangePct)
	})

	if len(quotes) > cap {
		quotes = quotes[:cap]
	}
	return quotes
}

// trustScore は許可リストに載っている報道機関に高いスコアを与えます
func trustScore(source string) float64 {
	normalized := normalizeKey(source)
	for _, trusted := range trustedSources {
		if strings.Contains(normalized, trusted) {
			return 2.0
		}
	}
	return 0.0
}

// localityScore は記事本文が言及する地理トークンのうち最も強い重みを返します
func (a *Aggregator) localityScore(item NewsItem, location briefing.LocationInfo) float64 {
	text := strings.ToLower(item.Title + " " + item.Body)

	score := 0.0
	check := func(token string, weight float64) {
		if token != "" && weight > score && strings.Contains(text, strings.ToLower(token)) {
			score = weight
		}
	}

	check(location.Neighborhood, a.locality.Neighborhood)
	check(location.City, a.locality.City)
	check(location.County, a.locality.County)
	check(location.State, a.locality.State)

	return score
}

// normalizeEventStatus は表記ゆれのあるステータス文字列を正規化します
// 有効なステータスでない場合は空文字列を返します
func normalizeEventStatus(status string) string {
	s := strings.ToLower(status)
	s = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)

	switch {
	case containsAny(s, "scheduled", "upcoming", "notstarted", "pregame", "pre"):
		return "scheduled"
	case containsAny(s, "live", "inprogress", "inplay", "halftime", "active", "playing"):
		return "live"
	case containsAny(s, "final", "finished", "complete", "ended", "closed", "fulltime", "ft"):
		return "final"
	}
	return ""
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// withinOneDay はイベント日付がジョブのローカル日付から1日以内かを判定します
// targetはジョブのタイムゾーンにおける当日0時であることを前提とします
func withinOneDay(t, target time.Time) bool {
	if t.IsZero() {
		return false
	}
	local := t.In(target.Location())
	eventDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, target.Location())
	diff := eventDay.Sub(target)
	return diff >= -24*time.Hour && diff <= 24*time.Hour
}

// isCrypto は銘柄が暗号資産かどうかを判定します
func isCrypto(q StockQuote) bool {
	if q.AssetClass == "crypto" || q.AssetClass == "cryptocurrency" {
		return true
	}
	return strings.HasSuffix(q.Symbol, "-USD")
}

// isIndexETF は週末許可リストのETFかどうかを判定します
func isIndexETF(symbol string) bool {
	for _, etf := range indexETFAllowList {
		if symbol == etf {
			return true
		}
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
