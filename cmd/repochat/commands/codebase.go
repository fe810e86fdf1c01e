package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/repochat/internal/core/codebase"
)

// CodebaseListAction はコードベース一覧を表示するコマンドのアクション
func CodebaseListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	list, err := appCtx.Registry.List(ctx)
	if err != nil {
		return fmt.Errorf("コードベース一覧の取得に失敗: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("no codebases")
		return nil
	}
	for _, cb := range list {
		fmt.Printf("%s  %-10s  %-20s  %s\n", cb.ID, cb.Status, cb.Name, cb.OriginRef)
	}
	return nil
}

// CodebaseShowAction はコードベース詳細を表示するコマンドのアクション
func CodebaseShowAction(ctx context.Context, cmd *cli.Command) error {
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("不正なコードベースID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	cb, err := appCtx.Registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("コードベースの取得に失敗: %w", err)
	}

	printCodebase(cb)
	return nil
}

// CodebaseDeleteAction はコードベースと関連データを削除するコマンドのアクション
func CodebaseDeleteAction(ctx context.Context, cmd *cli.Command) error {
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("不正なコードベースID: %w", err)
	}

	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Manager.Delete(ctx, id); err != nil {
		return fmt.Errorf("コードベースの削除に失敗: %w", err)
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func printCodebase(cb *codebase.Codebase) {
	fmt.Printf("id:               %s\n", cb.ID)
	fmt.Printf("name:             %s\n", cb.Name)
	if cb.Description != "" {
		fmt.Printf("description:      %s\n", cb.Description)
	}
	fmt.Printf("origin:           %s (%s)\n", cb.OriginRef, cb.OriginKind)
	if cb.Branch != "" {
		fmt.Printf("branch:           %s\n", cb.Branch)
	}
	fmt.Printf("status:           %s (step: %s)\n", cb.Status, cb.Step)
	fmt.Printf("progress:         %d/%d files\n", cb.ProcessedFiles, cb.TotalFiles)
	fmt.Printf("chunks:           %d\n", cb.ChunksCreated)
	if cb.PrimaryLanguage != "" {
		fmt.Printf("languages:        %s (primary: %s)\n",
			strings.Join(cb.Languages, ", "), cb.PrimaryLanguage)
	}
	if cb.SecretsDetected > 0 {
		fmt.Printf("redacted secrets: %d\n", cb.SecretsDetected)
		for _, fs := range cb.SecretSummary {
			total := 0
			for _, n := range fs.Counts {
				total += n
			}
			fmt.Printf("  %s: %d\n", fs.FilePath, total)
		}
	}
	if cb.Error != "" {
		fmt.Printf("error:            %s\n", cb.Error)
	}
	fmt.Printf("created:          %s\n", cb.CreatedAt.Format("2006-01-02 15:04:05"))
}
