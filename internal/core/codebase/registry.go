package codebase

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/secrets"
)

var (
	// ErrNotFound は存在しないコードベースへのアクセスで返る。
	ErrNotFound = errors.New("codebase not found")
	// ErrInvalidTransition は後退する状態遷移を拒否した場合に返る。
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry はコードベースのメタデータ管理を抽象化する。
type Registry interface {
	Create(ctx context.Context, cb *Codebase) error
	Get(ctx context.Context, id uuid.UUID) (*Codebase, error)
	List(ctx context.Context) ([]*Codebase, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// UpdateStep は進行段階を前進させる。後退は ErrInvalidTransition。
	UpdateStep(ctx context.Context, id uuid.UUID, step Step) error
	// UpdateProgress はファイル単位の進捗を更新する。
	UpdateProgress(ctx context.Context, id uuid.UUID, processed, total int) error
	// SetLanguages は検出した言語の内訳を記録する。
	SetLanguages(ctx context.Context, id uuid.UUID, primary string, all []string) error
	// SetSecretSummary はシークレット検出の集計を記録する。
	SetSecretSummary(ctx context.Context, id uuid.UUID, total int, summary []secrets.FileSummary) error
	// SetChunksCreated は作成済みチャンク数を記録する。
	SetChunksCreated(ctx context.Context, id uuid.UUID, n int) error
	// MarkCompleted は取り込み完了を記録する。
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	// MarkFailed は失敗を記録する。完了済みのコードベースには適用できない。
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error
}

// ValidateTransition は段階遷移が許されるかを検査する。
// レジストリ実装が共通で使う。
func ValidateTransition(current, next Step) error {
	return advanceStep(current, next)
}

// advanceStep は step の前進のみを許す遷移検査。
func advanceStep(current, next Step) error {
	if next == StepFailed {
		if current == StepCompleted {
			return ErrInvalidTransition
		}
		return nil
	}
	// 失敗したコードベースは再実行で任意の段階へ戻れる
	if current == StepFailed {
		return nil
	}
	if stepOrder[next] < stepOrder[current] {
		return ErrInvalidTransition
	}
	return nil
}

// StatusForStep は段階から外形的な状態を導く。
func StatusForStep(step Step) Status {
	return statusForStep(step)
}

// statusForStep は段階から外形的な状態を導く。
func statusForStep(step Step) Status {
	switch step {
	case StepQueued:
		return StatusQueued
	case StepCompleted:
		return StatusCompleted
	case StepFailed:
		return StatusFailed
	default:
		return StatusProcessing
	}
}
