package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/auroracast/briefing/cmd/briefing/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "briefing",
		Usage: "パーソナライズされた朝のブリーフィング音声を生成するワーカー",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "ワーカー起動APIサーバーを立ち上げる",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "env",
						Usage: "環境変数ファイルパス",
						Value: ".env",
					},
				},
				Action: commands.ServeAction,
			},
			{
				Name:  "worker",
				Usage: "ブリーフィング生成ワーカーコマンド",
				Commands: []*cli.Command{
					{
						Name:  "run",
						Usage: "適格なジョブを1バッチ処理する",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
						},
						Action: commands.WorkerRunAction,
					},
					{
						Name:  "job",
						Usage: "指定したジョブを強制的に処理する",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.WorkerJobAction,
					},
					{
						Name:  "requeue",
						Usage: "失敗したジョブをキューへ戻す",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:  "env",
								Usage: "環境変数ファイルパス",
								Value: ".env",
							},
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ジョブID",
								Required: true,
							},
						},
						Action: commands.WorkerRequeueAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
