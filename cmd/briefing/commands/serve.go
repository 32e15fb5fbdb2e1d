package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/auroracast/briefing/internal/interface/httpapi"
)

// shutdownTimeout はグレースフルシャットダウンの待機時間
const shutdownTimeout = 10 * time.Second

// ServeAction はワーカー起動APIサーバーを立ち上げるコマンドのアクション
func ServeAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	// 認証トークンなしで起動するとトリガーAPIが無防備になるため起動を拒否する
	if appCtx.Config.Server.AuthToken == "" {
		return errors.New("ワーカー認証トークンが未設定です: WORKER_AUTH_TOKEN を設定してください")
	}

	api := httpapi.New(appCtx.Coordinator, appCtx.Config.Server.AuthToken, appCtx.Logger)

	server := &http.Server{
		Addr:              appCtx.Config.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appCtx.Logger.Info("server started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	appCtx.Logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}

	return nil
}
