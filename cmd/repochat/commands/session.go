package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"
)

// SessionCleanupAction は期限切れセッションを掃除するコマンドのアクション
func SessionCleanupAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	removed, err := appCtx.Sessions.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("セッションの掃除に失敗: %w", err)
	}

	slog.Info("期限切れセッションを削除", "removed", removed)
	fmt.Printf("removed %d expired sessions\n", removed)
	return nil
}
