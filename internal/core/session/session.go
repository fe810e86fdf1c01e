package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound は存在しない、または期限切れのセッションへのアクセスで返る。
var ErrNotFound = errors.New("session not found")

// DefaultTTL はセッションの既定の生存期間。
const DefaultTTL = 7 * 24 * time.Hour

// Role は会話メッセージの発話者を表す。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Citation は回答が参照したコード位置を表す。
type Citation struct {
	FilePath   string  `json:"file_path"`
	StartLine  int     `json:"start_line"`
	EndLine    int     `json:"end_line"`
	Confidence float64 `json:"confidence"`
	Snippet    string  `json:"snippet,omitempty"`
}

// Message は会話の1発話を表す。
type Message struct {
	ID        uuid.UUID  `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	Citations []Citation `json:"citations,omitempty"`
	ChunkRefs []string   `json:"chunk_refs,omitempty"`
}

// Session は1つのコードベースに紐づく会話セッションを表す。
// セッションがコードベースをまたぐことはない。
type Session struct {
	ID         uuid.UUID `json:"id"`
	CodebaseID uuid.UUID `json:"codebase_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Messages   []Message `json:"messages"`
}

// Store はセッションの永続化を抽象化する。同一セッションへの操作は
// 実装側で直列化される。
type Store interface {
	// Create は codebaseID に紐づく新しいセッションを作成する。
	Create(ctx context.Context, codebaseID uuid.UUID) (*Session, error)
	// Get はセッションを取得する。期限切れは ErrNotFound を返す。
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// Append はメッセージを追記し、最終アクセス時刻を更新する。
	Append(ctx context.Context, id uuid.UUID, msg Message) error
	// Recent は新しい順ではなく時系列順で直近n件のメッセージを返す。
	Recent(ctx context.Context, id uuid.UUID, n int) ([]Message, error)
	// DeleteByCodebase はコードベースに紐づく全セッションを削除する。
	DeleteByCodebase(ctx context.Context, codebaseID uuid.UUID) error
	// CleanupExpired は期限切れセッションを削除し、削除件数を返す。
	CleanupExpired(ctx context.Context) (int, error)
}
