package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/auroracast/briefing/internal/core/audio"
	"github.com/auroracast/briefing/internal/core/content"
	"github.com/auroracast/briefing/internal/core/pricing"
	"github.com/auroracast/briefing/internal/core/script"
	"github.com/auroracast/briefing/internal/core/worker"
	"github.com/auroracast/briefing/internal/infra/contentcache"
	"github.com/auroracast/briefing/internal/infra/elevenlabs"
	"github.com/auroracast/briefing/internal/infra/natsstore"
	"github.com/auroracast/briefing/internal/infra/openai"
	"github.com/auroracast/briefing/internal/infra/postgres"
	"github.com/auroracast/briefing/internal/pkg/retry"
	"github.com/auroracast/briefing/internal/platform/logger"
	"github.com/auroracast/briefing/pkg/config"
	"github.com/auroracast/briefing/pkg/db"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config      *config.Config
	Database    *db.DB
	Blobs       *natsstore.Store
	Coordinator *worker.Coordinator
	Logger      *slog.Logger
}

// NewAppContext は設定を読み込み、全コンポーネントを組み立てて AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "briefing",
	})

	// プール上限は同時実行ジョブ数に加えてトリガーAPI用の余裕を持たせる
	database, err := db.New(ctx, db.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		AppName:  cfg.Worker.WorkerID,
		MaxConns: int32(cfg.Worker.Concurrency) + 2,
	})
	if err != nil {
		return nil, fmt.Errorf("データベースへの接続に失敗: %w", err)
	}

	blobs, err := natsstore.Connect(cfg.NATS.URL, cfg.NATS.Bucket)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("オブジェクトストアへの接続に失敗: %w", err)
	}

	coordinator, err := buildCoordinator(cfg, database, blobs, appLogger)
	if err != nil {
		blobs.Close()
		database.Close()
		return nil, err
	}

	return &AppContext{
		Config:      cfg,
		Database:    database,
		Blobs:       blobs,
		Coordinator: coordinator,
		Logger:      appLogger,
	}, nil
}

// buildCoordinator はパイプラインの各コンポーネントを構築する
func buildCoordinator(cfg *config.Config, database *db.DB, blobs *natsstore.Store, appLogger *slog.Logger) (*worker.Coordinator, error) {
	table, err := pricing.Load(cfg.PricingPath)
	if err != nil {
		return nil, fmt.Errorf("価格テーブルの読み込みに失敗: %w", err)
	}

	llm, err := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.ScriptModel)
	if err != nil {
		return nil, fmt.Errorf("LLMクライアントの作成に失敗: %w", err)
	}

	counter, err := script.NewTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("トークンカウンタの作成に失敗: %w", err)
	}

	primary, err := openai.NewSpeechProvider(cfg.OpenAI.APIKey, cfg.OpenAI.SpeechModel)
	if err != nil {
		return nil, fmt.Errorf("プライマリTTSプロバイダの作成に失敗: %w", err)
	}

	fallback, err := elevenlabs.NewClient(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.BaseURL, cfg.ElevenLabs.ModelID)
	if err != nil {
		return nil, fmt.Errorf("フォールバックTTSプロバイダの作成に失敗: %w", err)
	}

	aggregator := content.NewAggregator(content.LocalityWeights{
		Neighborhood: cfg.Locality.NeighborhoodWeight,
		City:         cfg.Locality.CityWeight,
		County:       cfg.Locality.CountyWeight,
		State:        cfg.Locality.StateWeight,
	}, appLogger)

	return worker.New(
		postgres.NewJobRepository(database.Pool),
		contentcache.NewClient(cfg.ContentCache.BaseURL, cfg.ContentCache.APIToken),
		aggregator,
		script.NewSynthesizer(llm, table, counter, appLogger),
		audio.NewSynthesizer(primary, fallback, table, retry.DefaultPolicy(), appLogger),
		blobs,
		worker.Config{
			WorkerID:      cfg.Worker.WorkerID,
			BatchSize:     cfg.Worker.BatchSize,
			Concurrency:   cfg.Worker.Concurrency,
			LeaseDuration: time.Duration(cfg.Worker.LeaseMinutes) * time.Minute,
			UploadPolicy:  retry.DefaultPolicy(),
		},
		appLogger,
	), nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Blobs != nil {
		ac.Blobs.Close()
	}
	if ac.Database != nil {
		ac.Database.Close()
	}
}
