package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jinford/repochat/internal/core/session"
)

// SessionStore は session.Store のRedis実装。セッション本体と
// メッセージ列にTTLを付け、期限切れはRedis側の失効に任せる。
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// SessionStoreOption は SessionStore の設定を変更する。
type SessionStoreOption func(*SessionStore)

// WithTTL はセッションの生存期間を設定する。
func WithTTL(ttl time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewSessionStore は SessionStore を生成する。
func NewSessionStore(client *redis.Client, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		client: client,
		ttl:    session.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ session.Store = (*SessionStore)(nil)

// sessionMeta はメッセージ列を除いたセッション情報。
type sessionMeta struct {
	ID         uuid.UUID `json:"id"`
	CodebaseID uuid.UUID `json:"codebase_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

func metaKey(id uuid.UUID) string     { return "session:" + id.String() }
func messagesKey(id uuid.UUID) string { return "session:" + id.String() + ":messages" }
func codebaseKey(id uuid.UUID) string { return "codebase_sessions:" + id.String() }

// Create は新しいセッションを作成する。
func (s *SessionStore) Create(ctx context.Context, codebaseID uuid.UUID) (*session.Session, error) {
	now := time.Now()
	meta := sessionMeta{
		ID:         uuid.New(),
		CodebaseID: codebaseID,
		CreatedAt:  now,
		LastActive: now,
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metaKey(meta.ID), data, s.ttl)
	pipe.SAdd(ctx, codebaseKey(codebaseID), meta.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &session.Session{
		ID:         meta.ID,
		CodebaseID: meta.CodebaseID,
		CreatedAt:  meta.CreatedAt,
		LastActive: meta.LastActive,
	}, nil
}

// Get はセッションを取得する。期限切れ・未登録は ErrNotFound。
func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	meta, err := s.loadMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, messagesKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]session.Message, 0, len(raw))
	for _, item := range raw {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}

	return &session.Session{
		ID:         meta.ID,
		CodebaseID: meta.CodebaseID,
		CreatedAt:  meta.CreatedAt,
		LastActive: meta.LastActive,
		Messages:   messages,
	}, nil
}

// Append はメッセージを追記し、TTLを延長する。
func (s *SessionStore) Append(ctx context.Context, id uuid.UUID, msg session.Message) error {
	meta, err := s.loadMeta(ctx, id)
	if err != nil {
		return err
	}
	meta.LastActive = time.Now()

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	msgData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, messagesKey(id), msgData)
	pipe.Set(ctx, metaKey(id), metaData, s.ttl)
	pipe.Expire(ctx, messagesKey(id), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Recent は直近n件のメッセージを時系列順で返す。
func (s *SessionStore) Recent(ctx context.Context, id uuid.UUID, n int) ([]session.Message, error) {
	if _, err := s.loadMeta(ctx, id); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	raw, err := s.client.LRange(ctx, messagesKey(id), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]session.Message, 0, len(raw))
	for _, item := range raw {
		var msg session.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// DeleteByCodebase はコードベースに紐づく全セッションを削除する。
func (s *SessionStore) DeleteByCodebase(ctx context.Context, codebaseID uuid.UUID) error {
	ids, err := s.client.SMembers(ctx, codebaseKey(codebaseID)).Result()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		pipe.Del(ctx, metaKey(id), messagesKey(id))
	}
	pipe.Del(ctx, codebaseKey(codebaseID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete sessions: %w", err)
	}
	return nil
}

// CleanupExpired は索引セットから失効済みのセッションIDを取り除く。
// セッション本体はRedisのTTLで失効するため、ここでは索引の掃除だけを行う。
func (s *SessionStore) CleanupExpired(ctx context.Context) (int, error) {
	var removed int
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "codebase_sessions:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan session sets: %w", err)
		}

		for _, setKey := range keys {
			ids, err := s.client.SMembers(ctx, setKey).Result()
			if err != nil {
				return removed, fmt.Errorf("list sessions: %w", err)
			}
			for _, raw := range ids {
				id, err := uuid.Parse(raw)
				if err != nil {
					continue
				}
				exists, err := s.client.Exists(ctx, metaKey(id)).Result()
				if err != nil {
					return removed, fmt.Errorf("check session: %w", err)
				}
				if exists == 0 {
					if err := s.client.SRem(ctx, setKey, raw).Err(); err != nil {
						return removed, fmt.Errorf("remove stale session: %w", err)
					}
					removed++
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (s *SessionStore) loadMeta(ctx context.Context, id uuid.UUID) (*sessionMeta, error) {
	data, err := s.client.Get(ctx, metaKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var meta sessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &meta, nil
}
