package session

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// cleanupLockTimeout は掃除処理が1セッションのロック獲得を待つ上限。
// 使用中のセッションは次回の掃除に回す。
const cleanupLockTimeout = time.Second

type entry struct {
	mu      sync.Mutex
	session *Session
}

// MemoryStore はプロセス内のセッションストア。セッションごとの
// ミューテックスで操作を直列化する。
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// MemoryOption は MemoryStore の設定を変更する。
type MemoryOption func(*MemoryStore)

// WithTTL はセッションの生存期間を設定する。
func WithTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMemoryLogger はロガーを差し替える。
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// withClock はテストから現在時刻を差し替える。
func withClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore は MemoryStore を生成する。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[uuid.UUID]*entry),
		ttl:     DefaultTTL,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create は新しいセッションを作成する。
func (s *MemoryStore) Create(_ context.Context, codebaseID uuid.UUID) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:         uuid.New(),
		CodebaseID: codebaseID,
		CreatedAt:  now,
		LastActive: now,
	}

	s.mu.Lock()
	s.entries[sess.ID] = &entry{session: sess}
	s.mu.Unlock()

	return cloneSession(sess), nil
}

// Get はセッションのコピーを返す。
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.expired(e.session) {
		return nil, ErrNotFound
	}
	return cloneSession(e.session), nil
}

// Append はメッセージを追記する。
func (s *MemoryStore) Append(_ context.Context, id uuid.UUID, msg Message) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.expired(e.session) {
		return ErrNotFound
	}
	e.session.Messages = append(e.session.Messages, msg)
	e.session.LastActive = s.now()
	return nil
}

// Recent は時系列順で直近n件のメッセージを返す。
func (s *MemoryStore) Recent(_ context.Context, id uuid.UUID, n int) ([]Message, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s.expired(e.session) {
		return nil, ErrNotFound
	}

	msgs := e.session.Messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// DeleteByCodebase はコードベースに紐づくセッションをすべて削除する。
func (s *MemoryStore) DeleteByCodebase(_ context.Context, codebaseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.entries {
		if e.session.CodebaseID == codebaseID {
			delete(s.entries, id)
		}
	}
	return nil
}

// CleanupExpired は期限切れセッションを削除する。ロックが取れない
// セッションは cleanupLockTimeout でスキップし、次回以降に任せる。
func (s *MemoryStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		e, ok := s.lookup(id)
		if !ok {
			continue
		}
		if !s.tryLock(e) {
			s.logger.Debug("使用中セッションの掃除をスキップ", slog.String("session_id", id.String()))
			continue
		}
		exp := s.expired(e.session)
		e.mu.Unlock()

		if exp {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
			removed++
		}
	}
	return removed, nil
}

// StartSweeper は定期的に CleanupExpired を実行するゴルーチンを起動する。
// 実行間隔には同時起動を避けるためのジッタを加える。
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		for {
			jitter := time.Duration(rand.Int63n(int64(interval / 10)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval + jitter):
			}
			removed, err := s.CleanupExpired(ctx)
			if err != nil {
				return
			}
			if removed > 0 {
				s.logger.Info("期限切れセッションを削除",
					slog.Int("removed", removed),
				)
			}
		}
	}()
}

func (s *MemoryStore) lookup(id uuid.UUID) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *MemoryStore) tryLock(e *entry) bool {
	deadline := time.Now().Add(cleanupLockTimeout)
	for {
		if e.mu.TryLock() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *MemoryStore) expired(sess *Session) bool {
	return s.now().Sub(sess.LastActive) > s.ttl
}

func cloneSession(sess *Session) *Session {
	out := *sess
	out.Messages = make([]Message, len(sess.Messages))
	copy(out.Messages, sess.Messages)
	return &out
}
