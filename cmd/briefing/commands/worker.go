package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/auroracast/briefing/internal/infra/postgres"
)

// WorkerRunAction は適格なジョブを1バッチ処理するコマンドのアクション
func WorkerRunAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	processed, err := appCtx.Coordinator.RunBatch(ctx)
	if err != nil {
		return fmt.Errorf("バッチ処理に失敗: %w", err)
	}

	fmt.Printf("processed %d job(s)\n", processed)
	return nil
}

// WorkerJobAction は指定したジョブを強制的に処理するコマンドのアクション
func WorkerJobAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	idStr := cmd.String("id")

	jobID, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("不正なジョブID %q: %w", idStr, err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Coordinator.RunOne(ctx, jobID); err != nil {
		return fmt.Errorf("ジョブの処理に失敗: %w", err)
	}

	fmt.Printf("job %s processed\n", jobID)
	return nil
}

// WorkerRequeueAction は失敗したジョブをキューへ戻すコマンドのアクション
func WorkerRequeueAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	idStr := cmd.String("id")

	jobID, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("不正なジョブID %q: %w", idStr, err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	store := postgres.NewJobRepository(appCtx.Database.Pool)
	if err := store.RequeueJob(ctx, jobID); err != nil {
		return fmt.Errorf("ジョブの再キューに失敗: %w", err)
	}

	fmt.Printf("job %s requeued\n", jobID)
	return nil
}
