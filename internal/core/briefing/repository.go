package briefing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Artifacts はパイプライン成功時にジョブへ書き込む成果物の集合
type Artifacts struct {
	Script               string
	AudioPath            string
	AudioDurationSeconds float64
	AudioProvider        string
	ScriptCostUSD        float64
	TTSCostUSD           float64
}

// TotalCostUSD は成果物の合計コストを返します
func (a Artifacts) TotalCostUSD() float64 {
	return a.ScriptCostUSD + a.TTSCostUSD
}

// JobStore はジョブレコードへの読み書きとアトミックなリース操作を提供します
// リース取得は単一の不可分なcompare-and-setであることが実装の必須条件です
// （同一ジョブへの同時リース要求は高々1つだけが成功する）
type JobStore interface {
	// GetJob はジョブを1件取得します
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	// ReleaseExpiredLeases は期限切れリースを解放してqueuedへ戻し、
	// 解放した件数を返します
	ReleaseExpiredLeases(ctx context.Context) (int, error)

	// LeaseNextJob は適格なジョブ（queued、優先度降順→予定時刻昇順）を
	// 1件アトミックに選択し、リースを付与してIDを返します
	// 適格なジョブが存在しない場合はNoneを返します（エラーではない）
	LeaseNextJob(ctx context.Context, workerID string, leaseFor time.Duration) (mo.Option[uuid.UUID], error)

	// LeaseSpecificJob は指定ジョブへのリース取得を試みます
	// 取得できた場合にtrueを返します
	LeaseSpecificJob(ctx context.Context, id uuid.UUID, workerID string, leaseFor time.Duration) (bool, error)

	// CompleteJob は成果物を書き込み、ステータスをreadyにしてリースを解放します
	CompleteJob(ctx context.Context, id uuid.UUID, artifacts Artifacts) error

	// FailJob はエラー情報を書き込み、ステータスをfailedにしてリースを解放します
	FailJob(ctx context.Context, id uuid.UUID, code ErrorCode, message string) error

	// RequeueJob は失敗したジョブの成果物とエラー情報をクリアしてqueuedへ戻します
	RequeueJob(ctx context.Context, id uuid.UUID) error

	// ScrubSensitiveFields は完了済みジョブから位置・天気・カレンダーの
	// スナップショットを消去します（ベストエフォート）
	ScrubSensitiveFields(ctx context.Context, id uuid.UUID) error
}

// BlobStore は音声アーティファクトの保存先を表します
type BlobStore interface {
	// Upload はキーを指定してデータを保存します
	Upload(ctx context.Context, key string, data []byte) error

	// Download はキーを指定してデータを取得します
	Download(ctx context.Context, key string) ([]byte, error)
}
