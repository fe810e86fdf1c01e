package vectorstore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/chunk"
)

// ErrDimensionMismatch は登録済みと異なる次元のベクトルを渡した場合に返る。
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Record はベクトルストアに格納する1件を表す。
type Record struct {
	Chunk  chunk.Chunk
	Vector []float32
}

// Filter は検索の絞り込み条件を表す。設定されたフィールドはAND条件で
// 適用される。CodebaseID は必須。
type Filter struct {
	CodebaseID uuid.UUID
	Language   string
	ChunkKind  string
	FilePath   string
}

// Hit は類似検索の結果1件を表す。Distance はコサイン距離。
type Hit struct {
	Chunk    chunk.Chunk
	Distance float64
}

// Store はチャンクのベクトル索引を抽象化する。
type Store interface {
	// Upsert は同一IDの既存レコードを置き換えつつ一括登録する。
	Upsert(ctx context.Context, records []Record) error
	// Search はクエリベクトルに近い順で最大k件を返す。
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)
	// DeleteByCodebase はコードベース配下の全レコードを削除する。
	DeleteByCodebase(ctx context.Context, codebaseID uuid.UUID) error
	// Count はフィルタに合致するレコード数を返す。
	Count(ctx context.Context, filter Filter) (int64, error)
}

// Matches は filter がチャンクに合致するか判定する。
// 実装間で絞り込みの意味を揃えるための共通関数。
func (f Filter) Matches(c chunk.Chunk) bool {
	if f.CodebaseID != uuid.Nil && c.CodebaseID != f.CodebaseID {
		return false
	}
	if f.Language != "" && string(c.Language) != f.Language {
		return false
	}
	if f.ChunkKind != "" && string(c.Kind) != f.ChunkKind {
		return false
	}
	if f.FilePath != "" && c.FilePath != f.FilePath {
		return false
	}
	return true
}
