package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/auroracast/briefing/internal/core/audio"
	"github.com/auroracast/briefing/internal/core/briefing"
	"github.com/auroracast/briefing/internal/core/budget"
	"github.com/auroracast/briefing/internal/core/content"
	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/pkg/retry"
)

var (
	// ErrJobNotLeasable は指定ジョブのリースを取得できなかった場合のエラー
	ErrJobNotLeasable = errors.New("job is not leasable")
)

// Config はワーカーの動作パラメータ
type Config struct {
	WorkerID      string
	BatchSize     int
	Concurrency   int
	LeaseDuration time.Duration
	UploadPolicy  retry.Policy
}

// Coordinator はジョブのリース取得からパイプライン完了までを駆動します
// ジョブ間の調整はジョブストアのアトミックなリース取得のみで行い、
// プロセス内ロックや共有キャッシュは持ちません
type Coordinator struct {
	store      briefing.JobStore
	cache      content.Client
	aggregator *content.Aggregator
	scripts    *script.Synthesizer
	audio      *audio.Synthesizer
	blobs      briefing.BlobStore
	cfg        Config
	logger     *slog.Logger
}

// New は新しいCoordinatorを作成します
func New(
	store briefing.JobStore,
	cache content.Client,
	aggregator *content.Aggregator,
	scripts *script.Synthesizer,
	audioSynth *audio.Synthesizer,
	blobs briefing.BlobStore,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Coordinator{
		store:      store,
		cache:      cache,
		aggregator: aggregator,
		scripts:    scripts,
		audio:      audioSynth,
		blobs:      blobs,
		cfg:        cfg,
		logger:     logger,
	}
}

// RunBatch は期限切れリースを解放し、適格なジョブがなくなるか
// バッチ上限に達するまでジョブをリースして処理します
// Concurrencyが2以上の場合、リース済みの別個のジョブ同士は並行処理されます
// （1つのジョブ内のステージは常に逐次実行）
func (c *Coordinator) RunBatch(ctx context.Context) (int, error) {
	released, err := c.store.ReleaseExpiredLeases(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired leases: %w", err)
	}
	if released > 0 {
		c.logger.Info("released expired leases", "count", released, "worker_id", c.cfg.WorkerID)
	}

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup

	processed := 0
	for processed < c.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}

		leased, leaseErr := c.store.LeaseNextJob(ctx, c.cfg.WorkerID, c.cfg.LeaseDuration)
		if leaseErr != nil {
			wg.Wait()
			return processed, fmt.Errorf("failed to lease next job: %w", leaseErr)
		}

		jobID, ok := leased.Get()
		if !ok {
			// 適格なジョブなし: エラーではなく通常の空振り
			break
		}
		processed++

		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			c.runLeased(ctx, id)
		}(jobID)
	}

	wg.Wait()
	return processed, nil
}

// RunOne は指定されたジョブを強制的に処理します
func (c *Coordinator) RunOne(ctx context.Context, jobID uuid.UUID) error {
	ok, err := c.store.LeaseSpecificJob(ctx, jobID, c.cfg.WorkerID, c.cfg.LeaseDuration)
	if err != nil {
		return fmt.Errorf("failed to lease job %s: %w", jobID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotLeasable, jobID)
	}

	c.runLeased(ctx, jobID)
	return nil
}

// runLeased はリース済みジョブをパイプラインに通し、結果を確定させます
func (c *Coordinator) runLeased(ctx context.Context, jobID uuid.UUID) {
	log := c.logger.With("job_id", jobID, "worker_id", c.cfg.WorkerID)
	if requestID := RequestIDFrom(ctx); requestID != "" {
		log = log.With("request_id", requestID)
	}

	started := time.Now()
	code, err := c.process(ctx, jobID, log)
	if err != nil {
		log.Error("job failed", "error_code", code, "error", err, "elapsed", time.Since(started))
		if failErr := c.store.FailJob(ctx, jobID, code, err.Error()); failErr != nil {
			log.Error("failed to record job failure", "error", failErr)
		}
		return
	}

	log.Info("job completed", "elapsed", time.Since(started))
}

// process はパイプラインのステージを厳密に順番どおり実行します
// （集約 → スクリプト生成 → 音声合成 → アップロード → 永続化 → スクラブ）
func (c *Coordinator) process(ctx context.Context, jobID uuid.UUID, log *slog.Logger) (briefing.ErrorCode, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return briefing.ErrorCodeContentFetch, fmt.Errorf("failed to load job: %w", err)
	}

	ranked := c.aggregate(ctx, job, log)

	scriptResult, err := c.scripts.Synthesize(ctx, job, ranked)
	if err != nil {
		return classify(err, briefing.ErrorCodeGeneration), err
	}
	log.Info("script synthesized",
		"word_count", scriptResult.WordCount,
		"word_target", scriptResult.WordTarget,
		"corrected", scriptResult.Corrected,
		"cost_usd", scriptResult.CostUSD)

	audioResult, err := c.audio.Render(ctx, scriptResult.Script, job.Voice)
	if err != nil {
		return classify(err, briefing.ErrorCodeSynthesis), err
	}

	key := job.ArtifactKey()
	err = retry.Do(ctx, c.cfg.UploadPolicy, func(ctx context.Context) error {
		return c.blobs.Upload(ctx, key, audioResult.Audio)
	})
	if err != nil {
		return classify(err, briefing.ErrorCodeUpload), fmt.Errorf("failed to upload artifact: %w", err)
	}

	artifacts := briefing.Artifacts{
		Script:               scriptResult.Script,
		AudioPath:            key,
		AudioDurationSeconds: audioResult.DurationSeconds,
		AudioProvider:        audioResult.Provider,
		ScriptCostUSD:        scriptResult.CostUSD,
		TTSCostUSD:           audioResult.CostUSD,
	}
	if err := c.store.CompleteJob(ctx, jobID, artifacts); err != nil {
		return briefing.ErrorCodeUpload, fmt.Errorf("failed to persist artifacts: %w", err)
	}

	// プライバシースクラブはベストエフォート: 失敗してもreadyのジョブは落とさない
	if err := c.store.ScrubSensitiveFields(ctx, jobID); err != nil {
		log.Warn("privacy scrub failed", "error", err)
	}

	return "", nil
}

// aggregate はキャッシュからスナップショットを取得して集約します
// 取得失敗は候補が減るだけで、ジョブ自体は失敗しません
func (c *Coordinator) aggregate(ctx context.Context, job *briefing.Job, log *slog.Logger) content.RankedContent {
	types := make([]content.Type, 0, 3)
	if job.Prefs.News {
		types = append(types, content.TypeNews)
	}
	if job.Prefs.Sports {
		types = append(types, content.TypeSports)
	}
	if job.Prefs.Stocks {
		types = append(types, content.TypeStocks)
	}
	if len(types) == 0 {
		return content.RankedContent{}
	}

	snaps, err := c.cache.FetchSnapshots(ctx, types)
	if err != nil {
		log.Warn("content fetch failed, degrading to empty candidates", "error", err)
		return content.RankedContent{}
	}

	counts := budget.CountsForDuration(job.TargetSeconds)
	return c.aggregator.Aggregate(job, snaps, content.Caps{
		News:   counts.News,
		Sports: counts.Sports,
		Stocks: counts.Stocks,
	})
}

// classify はエラーをステージ既定の分類へマップします
// リトライ上限に達した失敗はタイムアウト起因であっても発生元ステージの
// 致命分類へエスカレートします（timeoutはジョブ全体の期限超過のみ）
func classify(err error, stageDefault briefing.ErrorCode) briefing.ErrorCode {
	if errors.Is(err, context.DeadlineExceeded) {
		return briefing.ErrorCodeTimeout
	}
	return stageDefault
}
