package briefing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status はジョブのライフサイクル状態を表します
type Status string

const (
	// StatusQueued は処理待ちの状態
	StatusQueued Status = "queued"
	// StatusProcessing はワーカーがリースを保持して処理中の状態
	StatusProcessing Status = "processing"
	// StatusReady は音声アーティファクトが生成済みで再生可能な状態
	StatusReady Status = "ready"
	// StatusFailed は回復不能なエラーで終了した状態（再キュー可能）
	StatusFailed Status = "failed"
	// StatusCancelled はスケジュール変更等により取り消された状態
	StatusCancelled Status = "cancelled"
)

// ErrorCode はジョブ失敗時のエラー分類
type ErrorCode string

const (
	// ErrorCodeContentFetch はコンテンツ取得の失敗（単一ソースの失敗はジョブを落とさない）
	ErrorCodeContentFetch ErrorCode = "content_fetch"
	// ErrorCodeGeneration はスクリプト生成の失敗
	ErrorCodeGeneration ErrorCode = "generation"
	// ErrorCodeSynthesis は全TTSプロバイダ枯渇による音声合成の失敗
	ErrorCodeSynthesis ErrorCode = "synthesis"
	// ErrorCodeUpload はアーティファクト保存の失敗
	ErrorCodeUpload ErrorCode = "upload"
	// ErrorCodeTimeout はジョブ全体の処理期限超過
	// ステージ内のリトライ枯渇は発生元ステージの分類で記録される
	ErrorCodeTimeout ErrorCode = "timeout"
)

// Preferences はブリーフィングに含めるコンテンツの選択フラグ
type Preferences struct {
	Weather  bool `json:"weather"`
	News     bool `json:"news"`
	Sports   bool `json:"sports"`
	Stocks   bool `json:"stocks"`
	Crypto   bool `json:"crypto"`
	Quotes   bool `json:"quotes"`
	Calendar bool `json:"calendar"`
}

// Job はブリーフィング生成の作業単位を表します
type Job struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	FirstName string

	// LocalDate はユーザーのローカル日付（YYYY-MM-DD）
	LocalDate string
	// Timezone はIANAタイムゾーン名（例: "America/New_York"）
	Timezone string

	Prefs         Preferences
	TargetSeconds int
	Voice         string

	// Priority が高いジョブから先にリースされる
	Priority     int
	ScheduledFor time.Time

	// 外部コラボレータが書き込む生のキャッシュスナップショット
	// プライバシースクラブの対象（完了後にクリアされる）
	LocationSnapshot json.RawMessage
	WeatherSnapshot  json.RawMessage
	CalendarSnapshot json.RawMessage

	Status         Status
	LeaseOwner     string
	LeaseExpiresAt *time.Time

	// 成果物
	Script               string
	AudioPath            string
	AudioDurationSeconds float64
	AudioProvider        string

	// コスト（USD）
	ScriptCostUSD float64
	TTSCostUSD    float64
	TotalCostUSD  float64

	ErrorCode    ErrorCode
	ErrorMessage string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Location はジョブのタイムゾーンを*time.Locationとして返します
func (j *Job) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(j.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", j.Timezone, err)
	}
	return loc, nil
}

// TargetDate はローカル日付をジョブのタイムゾーンで解釈して返します
func (j *Job) TargetDate() (time.Time, error) {
	loc, err := j.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02", j.LocalDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse local date %q: %w", j.LocalDate, err)
	}
	return t, nil
}

// ArtifactKey はブロブストア上の音声アーティファクトのキーを返します
func (j *Job) ArtifactKey() string {
	return fmt.Sprintf("%s/%s/%s.mp3", j.UserID, j.LocalDate, j.ID)
}

// LocationInfo は位置スナップショットから抽出した地理情報
type LocationInfo struct {
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	County       string `json:"county"`
	State        string `json:"state"`
}

// ParseLocationSnapshot は生の位置スナップショットを解析します
// スナップショットが空または不正な場合はゼロ値を返します（致命的ではない）
func ParseLocationSnapshot(raw json.RawMessage) LocationInfo {
	var info LocationInfo
	if len(raw) == 0 {
		return info
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return LocationInfo{}
	}
	return info
}

// WeatherInfo は天気スナップショットから抽出した要約情報
type WeatherInfo struct {
	Summary   string  `json:"summary"`
	HighTempF float64 `json:"high_temp_f"`
	LowTempF  float64 `json:"low_temp_f"`
	RainPct   float64 `json:"precipitation_pct"`
}

// ParseWeatherSnapshot は生の天気スナップショットを解析します
func ParseWeatherSnapshot(raw json.RawMessage) (WeatherInfo, bool) {
	var info WeatherInfo
	if len(raw) == 0 {
		return info, false
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return WeatherInfo{}, false
	}
	return info, true
}

// CalendarEvent はカレンダースナップショット内の1件の予定
type CalendarEvent struct {
	Title    string `json:"title"`
	StartsAt string `json:"starts_at"`
	Location string `json:"location"`
}

// ParseCalendarSnapshot は生のカレンダースナップショットを解析します
func ParseCalendarSnapshot(raw json.RawMessage) []CalendarEvent {
	if len(raw) == 0 {
		return nil
	}
	var events []CalendarEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil
	}
	return events
}
