package lock

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAlreadyLocked は他のプロセスがロックを保持している場合に返ります
var ErrAlreadyLocked = errors.New("advisory lock is held by another process")

// Guard は取得済みのPostgreSQLアドバイザリロックを保持します
// ロックはセッションスコープのため、Release するか接続が切れるまで有効です
type Guard struct {
	conn   *pgxpool.Conn
	lockID int64
}

// GenerateLockID は文字列からロックIDを生成します
func GenerateLockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの最初の8バイトをint64として使用
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}

	return id
}

// TryAcquire はアドバイザリロックの取得を試みます
// 他プロセスが保持している場合は待たずに ErrAlreadyLocked を返します
func TryAcquire(ctx context.Context, pool *pgxpool.Pool, lockID int64) (*Guard, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, ErrAlreadyLocked
	}

	return &Guard{conn: conn, lockID: lockID}, nil
}

// Release はアドバイザリロックを解放し、接続をプールへ返します
func (g *Guard) Release(ctx context.Context) error {
	defer g.conn.Release()
	if _, err := g.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", g.lockID); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
