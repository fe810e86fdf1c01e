package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/jinford/repochat/internal/core/agent"
)

// AskAction はコードベースへの問い合わせを実行するコマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	question := cmd.String("question")

	codebaseID, err := uuid.Parse(cmd.String("codebase"))
	if err != nil {
		return fmt.Errorf("不正なコードベースID: %w", err)
	}

	var sessionID *uuid.UUID
	if raw := cmd.String("session"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("不正なセッションID: %w", err)
		}
		sessionID = &id
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	events, err := appCtx.Agent.Ask(ctx, agent.Params{
		CodebaseID: codebaseID,
		SessionID:  sessionID,
		Query:      question,
	})
	if err != nil {
		return fmt.Errorf("問い合わせの開始に失敗: %w", err)
	}

	return streamToStdout(events)
}

// streamToStdout はイベントストリームを標準出力へ流す。
// 本文の増分は届いた順にそのまま書き出す。
func streamToStdout(events <-chan agent.Event) error {
	for ev := range events {
		switch ev.Type {
		case agent.EventSessionID:
			fmt.Fprintf(os.Stderr, "session: %s\n", ev.SessionID)
		case agent.EventChunk:
			fmt.Print(ev.Content)
		case agent.EventSources:
			if len(ev.Sources) == 0 {
				continue
			}
			fmt.Println("\n\nSources:")
			for _, s := range ev.Sources {
				fmt.Printf("  %s:%d-%d (confidence %.2f)\n",
					s.FilePath, s.StartLine, s.EndLine, s.Confidence)
			}
		case agent.EventError:
			return fmt.Errorf("問い合わせが失敗: %s", ev.Error)
		case agent.EventDone:
			fmt.Println()
		}
	}
	return nil
}
