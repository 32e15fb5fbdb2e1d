package content

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrUnparsedShape は既知のどのペイロード形状にも一致しない場合のエラー
	// このエラーを返したアイテムは集約時にスキップされます（致命的ではない）
	ErrUnparsedShape = errors.New("payload matches no known shape")
)

// Type はコンテンツの種別を表します
type Type string

const (
	TypeNews   Type = "news"
	TypeSports Type = "sports"
	TypeStocks Type = "stocks"
)

// Snapshots はコンテンツキャッシュから取得した種別ごとの生ペイロード
type Snapshots struct {
	News   []json.RawMessage
	Sports []json.RawMessage
	Stocks []json.RawMessage
}

// Client はコンテンツキャッシュコラボレータへの読み取りインターフェース
type Client interface {
	// FetchSnapshots は指定された種別のキャッシュ済みコンテンツを取得します
	FetchSnapshots(ctx context.Context, types []Type) (*Snapshots, error)
}

// NewsItem はニュース記事のスナップショット
type NewsItem struct {
	Title       string
	URL         string
	Source      string
	Body        string
	PublishedAt time.Time
}

// DedupeKey は正規化された重複排除キーを返します
func (n NewsItem) DedupeKey() string {
	if key := normalizeKey(n.Title); key != "" {
		return key
	}
	return normalizeKey(n.URL)
}

// SportsEvent はスポーツイベントのスナップショット
type SportsEvent struct {
	EventID  string
	League   string
	HomeTeam string
	AwayTeam string
	Status   string
	StartsAt time.Time
}

// DedupeKey は正規化された重複排除キーを返します
func (e SportsEvent) DedupeKey() string {
	if key := normalizeKey(e.EventID); key != "" {
		return key
	}
	return normalizeKey(e.HomeTeam + "|" + e.AwayTeam + "|" + e.StartsAt.Format("2006-01-02"))
}

// StockQuote は銘柄のスナップショット
type StockQuote struct {
	Symbol     string
	Name       string
	Price      float64
	ChangePct  float64
	AssetClass string // "equity", "crypto", "etf" など
	QuotedAt   time.Time
}

// DedupeKey は正規化された重複排除キーを返します
func (q StockQuote) DedupeKey() string {
	return normalizeKey(q.Symbol)
}

// RankedContent は集約・ランキング済みの候補リスト
type RankedContent struct {
	News   []NewsItem
	Sports []SportsEvent
	Stocks []StockQuote
}

// newsPayload は既知のニュースペイロード形状
// 第1形状: {title, url, source, body, published_at}
// 第2形状: {headline, link, outlet, summary, pub_date}
type newsPayload struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Source      string `json:"source"`
	Body        string `json:"body"`
	PublishedAt string `json:"published_at"`

	Headline string `json:"headline"`
	Link     string `json:"link"`
	Outlet   string `json:"outlet"`
	Summary  string `json:"summary"`
	PubDate  string `json:"pub_date"`
}

// ParseNewsItem は生ペイロードをNewsItemに解析します
func ParseNewsItem(raw json.RawMessage) (NewsItem, error) {
	var p newsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return NewsItem{}, ErrUnparsedShape
	}

	item := NewsItem{
		Title:  firstNonEmpty(p.Title, p.Headline),
		URL:    firstNonEmpty(p.URL, p.Link),
		Source: firstNonEmpty(p.Source, p.Outlet),
		Body:   firstNonEmpty(p.Body, p.Summary),
	}
	if item.Title == "" {
		return NewsItem{}, ErrUnparsedShape
	}

	item.PublishedAt = parseTimestamp(firstNonEmpty(p.PublishedAt, p.PubDate))

	return item, nil
}

// sportsPayload は既知のスポーツペイロード形状
type sportsPayload struct {
	EventID  string `json:"event_id"`
	ID       string `json:"id"`
	League   string `json:"league"`
	HomeTeam string `json:"home_team"`
	AwayTeam string `json:"away_team"`
	Home     string `json:"home"`
	Away     string `json:"away"`
	Status   string `json:"status"`
	State    string `json:"state"`
	StartsAt string `json:"starts_at"`
	GameDate string `json:"game_date"`
}

// ParseSportsEvent は生ペイロードをSportsEventに解析します
func ParseSportsEvent(raw json.RawMessage) (SportsEvent, error) {
	var p sportsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SportsEvent{}, ErrUnparsedShape
	}

	event := SportsEvent{
		EventID:  firstNonEmpty(p.EventID, p.ID),
		League:   p.League,
		HomeTeam: firstNonEmpty(p.HomeTeam, p.Home),
		AwayTeam: firstNonEmpty(p.AwayTeam, p.Away),
		Status:   firstNonEmpty(p.Status, p.State),
	}
	if event.HomeTeam == "" || event.AwayTeam == "" {
		return SportsEvent{}, ErrUnparsedShape
	}

	event.StartsAt = parseTimestamp(firstNonEmpty(p.StartsAt, p.GameDate))

	return event, nil
}

// stockPayload は既知の株価ペイロード形状
type stockPayload struct {
	Symbol     string  `json:"symbol"`
	Ticker     string  `json:"ticker"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Last       float64 `json:"last"`
	ChangePct  float64 `json:"change_pct"`
	Change     float64 `json:"change_percent"`
	AssetClass string  `json:"asset_class"`
	Kind       string  `json:"kind"`
	QuotedAt   string  `json:"quoted_at"`
}

// ParseStockQuote は生ペイロードをStockQuoteに解析します
func ParseStockQuote(raw json.RawMessage) (StockQuote, error) {
	var p stockPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return StockQuote{}, ErrUnparsedShape
	}

	quote := StockQuote{
		Symbol:     strings.ToUpper(firstNonEmpty(p.Symbol, p.Ticker)),
		Name:       p.Name,
		AssetClass: strings.ToLower(firstNonEmpty(p.AssetClass, p.Kind)),
	}
	if quote.Symbol == "" {
		return StockQuote{}, ErrUnparsedShape
	}

	quote.Price = p.Price
	if quote.Price == 0 {
		quote.Price = p.Last
	}
	quote.ChangePct = p.ChangePct
	if quote.ChangePct == 0 {
		quote.ChangePct = p.Change
	}
	quote.QuotedAt = parseTimestamp(p.QuotedAt)

	return quote, nil
}

// normalizeKey は重複排除キーを正規化します（小文字化 + 空白圧縮）
func normalizeKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// parseTimestamp は代表的なタイムスタンプ形式を許容して解析します
// 解析できない場合はゼロ値を返します（recencyランクで最下位になる）
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
