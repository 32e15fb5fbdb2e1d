package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"github.com/auroracast/briefing/internal/core/briefing"
)

// JobRepository はブリーフィングジョブのデータベース操作を提供します
// リース操作は単一のUPDATE文で行い、行ロックの獲得と更新が不可分になります
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository は新しいJobRepositoryを作成します
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

var _ briefing.JobStore = (*JobRepository)(nil)

const jobColumns = `
	id, user_id, first_name, local_date, timezone, prefs,
	target_seconds, voice, priority, scheduled_for,
	location_snapshot, weather_snapshot, calendar_snapshot,
	status, lease_owner, lease_expires_at,
	script, audio_path, audio_duration_seconds, audio_provider,
	script_cost_usd, tts_cost_usd, total_cost_usd,
	error_code, error_message,
	created_at, updated_at, completed_at
`

// GetJob はIDでジョブを取得します
func (r *JobRepository) GetJob(ctx context.Context, id uuid.UUID) (*briefing.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM briefing_jobs
		WHERE id = $1
	`

	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ReleaseExpiredLeases は期限切れリースを解放してqueuedへ戻します
func (r *JobRepository) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	query := `
		UPDATE briefing_jobs
		SET status = 'queued',
			lease_owner = '',
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE status = 'processing'
		  AND lease_expires_at < CURRENT_TIMESTAMP
	`

	tag, err := r.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// LeaseNextJob は適格なジョブを1件アトミックに選択してリースします
// SKIP LOCKEDにより、同時に走るワーカー同士は互いをブロックせず、
// 同一ジョブを獲得できるのは高々1ワーカーです
func (r *JobRepository) LeaseNextJob(ctx context.Context, workerID string, leaseFor time.Duration) (mo.Option[uuid.UUID], error) {
	query := `
		UPDATE briefing_jobs
		SET status = 'processing',
			lease_owner = $1,
			lease_expires_at = $2,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = (
			SELECT id
			FROM briefing_jobs
			WHERE status = 'queued'
			  AND scheduled_for <= CURRENT_TIMESTAMP
			  AND (lease_expires_at IS NULL OR lease_expires_at < CURRENT_TIMESTAMP)
			ORDER BY priority DESC, scheduled_for ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`

	var id uuid.UUID
	err := r.pool.QueryRow(ctx, query, workerID, time.Now().Add(leaseFor)).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[uuid.UUID](), nil
		}
		return mo.None[uuid.UUID](), fmt.Errorf("failed to lease next job: %w", err)
	}

	return mo.Some(id), nil
}

// LeaseSpecificJob は指定ジョブへのリース取得を試みます
// queuedまたはfailedのジョブのみ取得でき、取得できた場合にtrueを返します
func (r *JobRepository) LeaseSpecificJob(ctx context.Context, id uuid.UUID, workerID string, leaseFor time.Duration) (bool, error) {
	query := `
		UPDATE briefing_jobs
		SET status = 'processing',
			lease_owner = $2,
			lease_expires_at = $3,
			error_code = '',
			error_message = '',
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status IN ('queued', 'failed')
		RETURNING id
	`

	var leased uuid.UUID
	err := r.pool.QueryRow(ctx, query, id, workerID, time.Now().Add(leaseFor)).Scan(&leased)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lease job: %w", err)
	}

	return true, nil
}

// CompleteJob は成果物を書き込み、ステータスをreadyにしてリースを解放します
func (r *JobRepository) CompleteJob(ctx context.Context, id uuid.UUID, artifacts briefing.Artifacts) error {
	query := `
		UPDATE briefing_jobs
		SET status = 'ready',
			script = $2,
			audio_path = $3,
			audio_duration_seconds = $4,
			audio_provider = $5,
			script_cost_usd = $6,
			tts_cost_usd = $7,
			total_cost_usd = $8,
			lease_owner = '',
			lease_expires_at = NULL,
			completed_at = CURRENT_TIMESTAMP,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		id,
		artifacts.Script,
		artifacts.AudioPath,
		artifacts.AudioDurationSeconds,
		artifacts.AudioProvider,
		artifacts.ScriptCostUSD,
		artifacts.TTSCostUSD,
		artifacts.TotalCostUSD(),
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// FailJob はエラー情報を書き込み、ステータスをfailedにしてリースを解放します
func (r *JobRepository) FailJob(ctx context.Context, id uuid.UUID, code briefing.ErrorCode, message string) error {
	query := `
		UPDATE briefing_jobs
		SET status = 'failed',
			error_code = $2,
			error_message = $3,
			lease_owner = '',
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, id, string(code), message)
	if err != nil {
		return fmt.Errorf("failed to mark job as failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", id)
	}

	return nil
}

// RequeueJob は失敗したジョブの成果物とエラー情報をクリアしてqueuedへ戻します
func (r *JobRepository) RequeueJob(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE briefing_jobs
		SET status = 'queued',
			script = '',
			audio_path = '',
			audio_duration_seconds = 0,
			audio_provider = '',
			error_code = '',
			error_message = '',
			lease_owner = '',
			lease_expires_at = NULL,
			completed_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		  AND status = 'failed'
	`

	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job is not requeueable: %s", id)
	}

	return nil
}

// ScrubSensitiveFields は位置・天気・カレンダーのスナップショットを消去します
func (r *JobRepository) ScrubSensitiveFields(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE briefing_jobs
		SET location_snapshot = NULL,
			weather_snapshot = NULL,
			calendar_snapshot = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to scrub sensitive fields: %w", err)
	}

	return nil
}

// scanJob は1行をJobへスキャンします
func scanJob(row pgx.Row) (*briefing.Job, error) {
	var job briefing.Job
	var prefs []byte

	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.FirstName,
		&job.LocalDate,
		&job.Timezone,
		&prefs,
		&job.TargetSeconds,
		&job.Voice,
		&job.Priority,
		&job.ScheduledFor,
		&job.LocationSnapshot,
		&job.WeatherSnapshot,
		&job.CalendarSnapshot,
		&job.Status,
		&job.LeaseOwner,
		&job.LeaseExpiresAt,
		&job.Script,
		&job.AudioPath,
		&job.AudioDurationSeconds,
		&job.AudioProvider,
		&job.ScriptCostUSD,
		&job.TTSCostUSD,
		&job.TotalCostUSD,
		&job.ErrorCode,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(prefs, &job.Prefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prefs: %w", err)
	}

	return &job, nil
}
