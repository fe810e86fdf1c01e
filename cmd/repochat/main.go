package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jinford/repochat/cmd/repochat/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}

	app := &cli.Command{
		Name:  "repochat",
		Usage: "コードベース取り込みと対話型コード質問応答システム",
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "コードベース取り込みコマンド",
				Commands: []*cli.Command{
					{
						Name:  "git",
						Usage: "Gitリポジトリを取り込む",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "url",
								Usage:    "GitリポジトリURL",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "name",
								Usage:    "コードベース名",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "description",
								Usage: "コードベースの説明",
							},
							&cli.StringFlag{
								Name:  "branch",
								Usage: "ブランチ名（省略時はリモートのデフォルトブランチ）",
							},
						},
						Action: commands.IngestGitAction,
					},
					{
						Name:  "archive",
						Usage: "アーカイブファイル（zip / tar.gz）を取り込む",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "file",
								Usage:    "アーカイブファイルパス",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "name",
								Usage:    "コードベース名",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "description",
								Usage: "コードベースの説明",
							},
						},
						Action: commands.IngestArchiveAction,
					},
					{
						Name:  "resume",
						Usage: "失敗した取り込みを再開する",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "id",
								Usage:    "コードベースID",
								Required: true,
							},
						},
						Action: commands.IngestResumeAction,
					},
				},
			},
			{
				Name:  "ask",
				Usage: "コードベースへ質問する",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{
						Name:     "codebase",
						Usage:    "コードベースID",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "session",
						Usage: "セッションID（省略時は新規セッション）",
					},
					&cli.StringFlag{
						Name:     "question",
						Usage:    "質問文",
						Required: true,
					},
				},
				Action: commands.AskAction,
			},
			{
				Name:  "codebase",
				Usage: "コードベース管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "コードベース一覧を表示",
						Flags:  []cli.Flag{envFlag},
						Action: commands.CodebaseListAction,
					},
					{
						Name:  "show",
						Usage: "コードベース詳細を表示",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "id",
								Usage:    "コードベースID",
								Required: true,
							},
						},
						Action: commands.CodebaseShowAction,
					},
					{
						Name:  "delete",
						Usage: "コードベースと関連データを削除",
						Flags: []cli.Flag{
							envFlag,
							&cli.StringFlag{
								Name:     "id",
								Usage:    "コードベースID",
								Required: true,
							},
						},
						Action: commands.CodebaseDeleteAction,
					},
				},
			},
			{
				Name:  "session",
				Usage: "セッション管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "cleanup",
						Usage:  "期限切れセッションを削除",
						Flags:  []cli.Flag{envFlag},
						Action: commands.SessionCleanupAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
