package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pingTimeout は起動時の疎通確認に許す時間
const pingTimeout = 5 * time.Second

// DB はジョブストアへの接続プールを保持します
type DB struct {
	Pool *pgxpool.Pool
}

// ConnectionParams はデータベース接続パラメータ
// MaxConnsはワーカーの同時実行数に合わせてプール上限を定め、
// AppNameはpg_stat_activityで接続元を識別するために使われます
type ConnectionParams struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	AppName  string
	MaxConns int32
}

// connString はlibpq形式の接続文字列を組み立てます
func connString(params ConnectionParams) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		params.Host,
		params.Port,
		params.User,
		params.Password,
		params.DBName,
		params.SSLMode,
	)
}

// poolConfig は接続パラメータからプール設定を構築します
func poolConfig(params ConnectionParams) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(connString(params))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	if params.MaxConns > 0 {
		cfg.MaxConns = params.MaxConns
	}
	if params.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = params.AppName
	}

	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	return cfg, nil
}

// New は新しいデータベース接続プールを作成し、疎通を確認します
func New(ctx context.Context, params ConnectionParams) (*DB, error) {
	cfg, err := poolConfig(params)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close はデータベース接続を閉じます
func (db *DB) Close() {
	db.Pool.Close()
}
