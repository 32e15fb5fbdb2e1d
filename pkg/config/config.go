package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（スクリプト生成 + プライマリTTS用）
	OpenAI OpenAIConfig

	// ElevenLabs設定（フォールバックTTS用）
	ElevenLabs ElevenLabsConfig

	// NATS設定（音声アーティファクト保存用）
	NATS NATSConfig

	// コンテンツキャッシュAPI設定
	ContentCache ContentCacheConfig

	// HTTPトリガーサーバー設定
	Server ServerConfig

	// ワーカー設定
	Worker WorkerConfig

	// ログ出力設定
	Log LogConfig

	// ニュースのローカル関連度の重み付け設定
	Locality LocalityConfig

	// 価格テーブルファイルのパス（空の場合は組み込みデフォルトを使用）
	PricingPath string
}

// DatabaseConfig はジョブストア（PostgreSQL）の接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定
type OpenAIConfig struct {
	APIKey      string
	ScriptModel string // スクリプト生成用モデル名
	SpeechModel string // プライマリTTS用モデル名
}

// ElevenLabsConfig はフォールバックTTSプロバイダの設定
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	ModelID string
}

// NATSConfig はJetStreamオブジェクトストアの接続設定
type NATSConfig struct {
	URL    string
	Bucket string
}

// ContentCacheConfig はコンテンツキャッシュAPIの設定
type ContentCacheConfig struct {
	BaseURL  string
	APIToken string
}

// ServerConfig はワーカー起動エンドポイントの設定
type ServerConfig struct {
	Addr      string
	AuthToken string // Bearer認証用の共有シークレット
}

// WorkerConfig はバッチ処理の調整パラメータ
type WorkerConfig struct {
	BatchSize    int // 1回の起動で処理するジョブの上限
	Concurrency  int // 同時に処理するジョブ数（1で逐次処理）
	LeaseMinutes int // リースの有効期間（分）
	WorkerID     string
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// LocalityConfig はニュースのローカル関連度スコアの重み付け
// 優先順位（neighborhood > city > county > state）はデフォルトポリシーであり、
// デプロイごとに調整可能です
type LocalityConfig struct {
	NeighborhoodWeight float64
	CityWeight         float64
	CountyWeight       float64
	StateWeight        float64
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "briefing"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "briefing"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:      getEnv("OPENAI_API_KEY", ""),
			ScriptModel: getEnv("OPENAI_SCRIPT_MODEL", "gpt-4o-mini"),
			SpeechModel: getEnv("OPENAI_SPEECH_MODEL", "gpt-4o-mini-tts"),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey:  getEnv("ELEVENLABS_API_KEY", ""),
			BaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
			ModelID: getEnv("ELEVENLABS_MODEL_ID", "eleven_turbo_v2_5"),
		},
		NATS: NATSConfig{
			URL:    getEnv("NATS_URL", "nats://localhost:4222"),
			Bucket: getEnv("NATS_AUDIO_BUCKET", "briefing-audio"),
		},
		ContentCache: ContentCacheConfig{
			BaseURL:  getEnv("CONTENT_CACHE_URL", "http://localhost:8081"),
			APIToken: getEnv("CONTENT_CACHE_TOKEN", ""),
		},
		Server: ServerConfig{
			Addr:      getEnv("SERVER_ADDR", ":8080"),
			AuthToken: getEnv("WORKER_AUTH_TOKEN", ""),
		},
		Worker: WorkerConfig{
			BatchSize:    getEnvAsInt("WORKER_BATCH_SIZE", 10),
			Concurrency:  getEnvAsInt("WORKER_CONCURRENCY", 1),
			LeaseMinutes: getEnvAsInt("WORKER_LEASE_MINUTES", 10),
			WorkerID:     getEnv("WORKER_ID", defaultWorkerID()),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Locality: LocalityConfig{
			NeighborhoodWeight: getEnvAsFloat("LOCALITY_NEIGHBORHOOD_WEIGHT", 1.0),
			CityWeight:         getEnvAsFloat("LOCALITY_CITY_WEIGHT", 0.7),
			CountyWeight:       getEnvAsFloat("LOCALITY_COUNTY_WEIGHT", 0.5),
			StateWeight:        getEnvAsFloat("LOCALITY_STATE_WEIGHT", 0.3),
		},
		PricingPath: getEnv("PRICING_CONFIG_PATH", ""),
	}

	return cfg, nil
}

// defaultWorkerID はホスト名からワーカーIDを導出します
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker-unknown"
	}
	return host
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
