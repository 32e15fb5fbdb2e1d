package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auroracast/briefing/internal/core/audio"
	"github.com/auroracast/briefing/internal/core/briefing"
	"github.com/auroracast/briefing/internal/core/budget"
	"github.com/auroracast/briefing/internal/core/content"
	"github.com/auroracast/briefing/internal/core/pricing"
	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/pkg/retry"
)

// memStore はリース契約を模したインメモリのJobStore実装
type memStore struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*briefing.Job
	scrubbed map[uuid.UUID]bool
}

func newMemStore(jobs ...*briefing.Job) *memStore {
	s := &memStore{
		jobs:     make(map[uuid.UUID]*briefing.Job),
		scrubbed: make(map[uuid.UUID]bool),
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *memStore) GetJob(ctx context.Context, id uuid.UUID) (*briefing.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("job not found")
	}
	copied := *job
	return &copied, nil
}

func (s *memStore) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	released := 0
	now := time.Now()
	for _, job := range s.jobs {
		if job.Status == briefing.StatusProcessing && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			job.Status = briefing.StatusQueued
			job.LeaseOwner = ""
			job.LeaseExpiresAt = nil
			released++
		}
	}
	return released, nil
}

func (s *memStore) LeaseNextJob(ctx context.Context, workerID string, leaseFor time.Duration) (mo.Option[uuid.UUID], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*briefing.Job, 0)
	for _, job := range s.jobs {
		if job.Status == briefing.StatusQueued {
			eligible = append(eligible, job)
		}
	}
	if len(eligible) == 0 {
		return mo.None[uuid.UUID](), nil
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledFor.Before(eligible[j].ScheduledFor)
	})

	job := eligible[0]
	expiry := time.Now().Add(leaseFor)
	job.Status = briefing.StatusProcessing
	job.LeaseOwner = workerID
	job.LeaseExpiresAt = &expiry

	return mo.Some(job.ID), nil
}

func (s *memStore) LeaseSpecificJob(ctx context.Context, id uuid.UUID, workerID string, leaseFor time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || (job.Status != briefing.StatusQueued && job.Status != briefing.StatusFailed) {
		return false, nil
	}
	expiry := time.Now().Add(leaseFor)
	job.Status = briefing.StatusProcessing
	job.LeaseOwner = workerID
	job.LeaseExpiresAt = &expiry
	return true, nil
}

func (s *memStore) CompleteJob(ctx context.Context, id uuid.UUID, artifacts briefing.Artifacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = briefing.StatusReady
	job.Script = artifacts.Script
	job.AudioPath = artifacts.AudioPath
	job.AudioDurationSeconds = artifacts.AudioDurationSeconds
	job.AudioProvider = artifacts.AudioProvider
	job.ScriptCostUSD = artifacts.ScriptCostUSD
	job.TTSCostUSD = artifacts.TTSCostUSD
	job.TotalCostUSD = artifacts.TotalCostUSD()
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	now := time.Now()
	job.CompletedAt = &now
	return nil
}

func (s *memStore) FailJob(ctx context.Context, id uuid.UUID, code briefing.ErrorCode, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = briefing.StatusFailed
	job.ErrorCode = code
	job.ErrorMessage = message
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	return nil
}

func (s *memStore) RequeueJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = briefing.StatusQueued
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.Script = ""
	job.AudioPath = ""
	return nil
}

func (s *memStore) ScrubSensitiveFields(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.LocationSnapshot = nil
	job.WeatherSnapshot = nil
	job.CalendarSnapshot = nil
	s.scrubbed[id] = true
	return nil
}

var _ briefing.JobStore = (*memStore)(nil)

// memBlob はインメモリのBlobStore実装
type memBlob struct {
	mu            sync.Mutex
	objects       map[string][]byte
	failAll       bool
	failTransient bool
}

func newMemBlob() *memBlob {
	return &memBlob{objects: make(map[string][]byte)}
}

func (b *memBlob) Upload(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTransient {
		return retry.Transient(errors.New("bucket temporarily unavailable"))
	}
	if b.failAll {
		return errors.New("bucket rejected write")
	}
	b.objects[key] = data
	return nil
}

func (b *memBlob) Download(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

var _ briefing.BlobStore = (*memBlob)(nil)

// stubCache は固定のスナップショットを返すコンテンツキャッシュ
type stubCache struct {
	snaps *content.Snapshots
	err   error
}

func (c *stubCache) FetchSnapshots(ctx context.Context, types []content.Type) (*content.Snapshots, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.snaps, nil
}

var _ content.Client = (*stubCache)(nil)

// stubLLM はバンド内のスクリプトを返す言語モデル
type stubLLM struct {
	err   error
	words int
}

func (s *stubLLM) GenerateCompletion(ctx context.Context, req script.CompletionRequest) (script.CompletionResponse, error) {
	if s.err != nil {
		return script.CompletionResponse{}, s.err
	}
	fields := make([]string, s.words)
	for i := range fields {
		fields[i] = "word"
	}
	return script.CompletionResponse{
		Content:      strings.Join(fields, " "),
		InputTokens:  500,
		OutputTokens: 300,
		Model:        "gpt-4o-mini",
	}, nil
}

// stubTTS は常に成功するTTSプロバイダ
type stubTTS struct {
	name  string
	fails int
	calls int
}

func (p *stubTTS) Name() string               { return p.name }
func (p *stubTTS) Billing() audio.BillingKind { return audio.BillingPerMinute }
func (p *stubTTS) PricingModel() string       { return "gpt-4o-mini-tts" }

func (p *stubTTS) Render(ctx context.Context, text, voice string) ([]byte, error) {
	p.calls++
	if p.calls <= p.fails {
		return nil, errors.New("tts down")
	}
	return []byte("audio-bytes"), nil
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxTries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func queuedJob() *briefing.Job {
	weather, _ := json.Marshal(map[string]any{"summary": "clear", "high_temp_f": 68.0, "low_temp_f": 51.0})
	return &briefing.Job{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		FirstName:       "Dana",
		LocalDate:       "2026-03-03",
		Timezone:        "America/New_York",
		Prefs:           briefing.Preferences{News: true, Weather: true},
		TargetSeconds:   180,
		Voice:           "morning-calm",
		Status:          briefing.StatusQueued,
		ScheduledFor:    time.Now().Add(-time.Minute),
		WeatherSnapshot: weather,
	}
}

func newTestCoordinator(store *memStore, cache content.Client, blob briefing.BlobStore, llm script.LLMClient, primary, fallback audio.Provider) *Coordinator {
	table := pricing.Default()
	return New(
		store,
		cache,
		content.NewAggregator(content.DefaultLocalityWeights(), nil),
		script.NewSynthesizer(llm, table, nil, nil),
		audio.NewSynthesizer(primary, fallback, table, fastRetry(), nil),
		blob,
		Config{
			WorkerID:      "test-worker",
			BatchSize:     5,
			Concurrency:   1,
			LeaseDuration: time.Minute,
			UploadPolicy:  fastRetry(),
		},
		nil,
	)
}

func newsSnaps(t *testing.T, titles ...string) *content.Snapshots {
	t.Helper()
	items := make([]json.RawMessage, 0, len(titles))
	for _, title := range titles {
		raw, err := json.Marshal(map[string]string{
			"title":        title,
			"source":       "Reuters",
			"published_at": "2026-03-03T06:00:00Z",
		})
		require.NoError(t, err)
		items = append(items, raw)
	}
	return &content.Snapshots{News: items}
}

func TestRunBatch_ProcessesQueuedJobToReady(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)
	blob := newMemBlob()

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story one", "Story two")}, blob, llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	processed, err := coord.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusReady, final.Status)
	assert.Equal(t, "primary", final.AudioProvider)
	assert.NotEmpty(t, final.Script)
	assert.Empty(t, final.LeaseOwner)
	assert.NotNil(t, final.CompletedAt)
	assert.InDelta(t, final.ScriptCostUSD+final.TTSCostUSD, final.TotalCostUSD, 1e-9)

	// アーティファクトは {userId}/{localDate}/{jobId} キーで保存される
	data, err := blob.Download(context.Background(), final.AudioPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), data)
	assert.Contains(t, final.AudioPath, job.UserID.String())
	assert.Contains(t, final.AudioPath, "2026-03-03")

	// プライバシースクラブ済み
	assert.True(t, store.scrubbed[job.ID])
	assert.Nil(t, final.WeatherSnapshot)
}

func TestRunBatch_NoEligibleJobs(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubCache{}, newMemBlob(), &stubLLM{words: 100},
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	processed, err := coord.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestRunBatch_GenerationFailureMarksJobFailed(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)

	llm := &stubLLM{err: errors.New("model unavailable")}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	processed, err := coord.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusFailed, final.Status)
	assert.Equal(t, briefing.ErrorCodeGeneration, final.ErrorCode)
	assert.NotEmpty(t, final.ErrorMessage)
	assert.Empty(t, final.LeaseOwner, "lease must be cleared so a later pass can retry")
}

func TestRunBatch_UploadFailureMarksJobFailed(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)
	blob := newMemBlob()
	blob.failAll = true

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, blob, llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	_, err := coord.RunBatch(context.Background())
	require.NoError(t, err)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusFailed, final.Status)
	assert.Equal(t, briefing.ErrorCodeUpload, final.ErrorCode)
}

func TestRunBatch_UploadRetryExhaustionKeepsStageCode(t *testing.T) {
	// 一時的エラーでリトライを使い切っても、分類は発生元ステージのまま
	job := queuedJob()
	store := newMemStore(job)
	blob := newMemBlob()
	blob.failTransient = true

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, blob, llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	_, err := coord.RunBatch(context.Background())
	require.NoError(t, err)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusFailed, final.Status)
	assert.Equal(t, briefing.ErrorCodeUpload, final.ErrorCode)
	assert.NotEqual(t, briefing.ErrorCodeTimeout, final.ErrorCode)
}

func TestRunBatch_ContentFetchFailureDegradesGracefully(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{err: errors.New("cache down")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	_, err := coord.RunBatch(context.Background())
	require.NoError(t, err)

	// コンテンツ取得失敗は候補が減るだけで、ジョブは完了する
	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusReady, final.Status)
}

func TestRunBatch_TTSFallbackRecorded(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	primary := &stubTTS{name: "primary", fails: 10}
	fallback := &stubTTS{name: "fallback"}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm, primary, fallback)

	_, err := coord.RunBatch(context.Background())
	require.NoError(t, err)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusReady, final.Status)
	assert.Equal(t, "fallback", final.AudioProvider)
}

func TestRunBatch_ExpiredLeaseReclaimed(t *testing.T) {
	// シナリオ: リース期限が切れたジョブは解放され、再度リースして完了できる
	job := queuedJob()
	job.Status = briefing.StatusProcessing
	job.LeaseOwner = "crashed-worker"
	expired := time.Now().Add(-time.Minute)
	job.LeaseExpiresAt = &expired

	store := newMemStore(job)

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	processed, err := coord.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusReady, final.Status)
}

func TestRunBatch_RespectsBatchSize(t *testing.T) {
	jobs := []*briefing.Job{queuedJob(), queuedJob(), queuedJob()}
	store := newMemStore(jobs...)

	llm := &stubLLM{words: budget.WordTarget(180)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})
	coord.cfg.BatchSize = 2

	processed, err := coord.RunBatch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, processed)
}

func TestRunBatch_HigherPriorityLeasedFirst(t *testing.T) {
	low := queuedJob()
	high := queuedJob()
	high.Priority = 10

	store := newMemStore(low, high)

	llm := &stubLLM{words: budget.WordTarget(180)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})
	coord.cfg.BatchSize = 1

	_, err := coord.RunBatch(context.Background())
	require.NoError(t, err)

	highFinal, err := store.GetJob(context.Background(), high.ID)
	require.NoError(t, err)
	lowFinal, err := store.GetJob(context.Background(), low.ID)
	require.NoError(t, err)

	assert.Equal(t, briefing.StatusReady, highFinal.Status)
	assert.Equal(t, briefing.StatusQueued, lowFinal.Status)
}

func TestRunOne_LeasesSpecificJob(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)

	llm := &stubLLM{words: budget.WordTarget(job.TargetSeconds)}
	coord := newTestCoordinator(store, &stubCache{snaps: newsSnaps(t, "Story")}, newMemBlob(), llm,
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	err := coord.RunOne(context.Background(), job.ID)
	require.NoError(t, err)

	final, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, briefing.StatusReady, final.Status)
}

func TestRunOne_NotLeasable(t *testing.T) {
	job := queuedJob()
	job.Status = briefing.StatusReady

	store := newMemStore(job)
	coord := newTestCoordinator(store, &stubCache{}, newMemBlob(), &stubLLM{words: 100},
		&stubTTS{name: "primary"}, &stubTTS{name: "fallback"})

	err := coord.RunOne(context.Background(), job.ID)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotLeasable)
}

func TestLeaseNextJob_ConcurrentClaimsAtMostOneWinner(t *testing.T) {
	job := queuedJob()
	store := newMemStore(job)

	const claimers = 8
	winners := make(chan uuid.UUID, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leased, err := store.LeaseNextJob(context.Background(), "w", time.Minute)
			assert.NoError(t, err)
			if id, ok := leased.Get(); ok {
				winners <- id
			}
		}()
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "at most one concurrent claim may win the lease")
}
