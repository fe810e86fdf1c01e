package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/ingest"
	"github.com/jinford/repochat/pkg/lock"
)

// IngestGitAction はGitリポジトリを取り込むコマンドのアクション
func IngestGitAction(ctx context.Context, cmd *cli.Command) error {
	return runIngest(ctx, cmd, codebase.OriginRemote, cmd.String("url"))
}

// IngestArchiveAction はアーカイブファイルを取り込むコマンドのアクション
func IngestArchiveAction(ctx context.Context, cmd *cli.Command) error {
	return runIngest(ctx, cmd, codebase.OriginArchive, cmd.String("file"))
}

func runIngest(ctx context.Context, cmd *cli.Command, kind codebase.OriginKind, originRef string) error {
	envFile := cmd.String("env")

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	slog.Info("取り込みを開始",
		"name", cmd.String("name"),
		"origin", originRef,
	)

	// 同じ取り込み元の並行実行を他プロセスも含めて防ぐ
	guard, err := lock.TryAcquire(ctx, appCtx.Database.Pool, lock.GenerateLockID("ingest", originRef))
	if err != nil {
		return fmt.Errorf("取り込みロックの取得に失敗: %w", err)
	}
	defer guard.Release(ctx)

	cb, err := appCtx.Manager.Submit(ctx, ingestParams(cmd, kind, originRef))
	if err != nil {
		return fmt.Errorf("取り込みの登録に失敗: %w", err)
	}
	fmt.Printf("codebase id: %s\n", cb.ID)

	// CLIでは取り込みをフォアグラウンドで待つ
	appCtx.Manager.Wait()

	return printIngestResult(ctx, appCtx, cb.ID)
}

// IngestResumeAction は失敗した取り込みを再開するコマンドのアクション
func IngestResumeAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("不正なコードベースID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	slog.Info("取り込みを再開", "codebase_id", id)

	guard, err := lock.TryAcquire(ctx, appCtx.Database.Pool, lock.GenerateLockID("ingest", id.String()))
	if err != nil {
		return fmt.Errorf("取り込みロックの取得に失敗: %w", err)
	}
	defer guard.Release(ctx)

	if err := appCtx.Manager.Resume(ctx, id); err != nil {
		return fmt.Errorf("取り込みの再開に失敗: %w", err)
	}
	appCtx.Manager.Wait()

	return printIngestResult(ctx, appCtx, id)
}

func ingestParams(cmd *cli.Command, kind codebase.OriginKind, originRef string) ingest.SubmitParams {
	return ingest.SubmitParams{
		Name:        cmd.String("name"),
		Description: cmd.String("description"),
		OriginKind:  kind,
		OriginRef:   originRef,
		Branch:      cmd.String("branch"),
	}
}

func printIngestResult(ctx context.Context, appCtx *AppContext, id uuid.UUID) error {
	cb, err := appCtx.Registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("結果の取得に失敗: %w", err)
	}

	fmt.Printf("status: %s\n", cb.Status)
	if cb.Status == codebase.StatusFailed {
		fmt.Printf("error: %s\n", cb.Error)
		return fmt.Errorf("取り込みが失敗しました")
	}

	fmt.Printf("files: %d, chunks: %d, primary language: %s\n",
		cb.TotalFiles, cb.ChunksCreated, cb.PrimaryLanguage)
	if cb.SecretsDetected > 0 {
		fmt.Printf("redacted secrets: %d\n", cb.SecretsDetected)
	}
	return nil
}
