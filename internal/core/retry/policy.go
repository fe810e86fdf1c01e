package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExceeded は再試行の総時間予算を使い切った場合に返る。
var ErrBudgetExceeded = errors.New("retry budget exceeded")

// Policy は指数バックオフの再試行方針を表す値オブジェクト。
// ゼロ値では再試行しないため、Default か明示的な値を使う。
type Policy struct {
	Initial    time.Duration // 初回待機時間
	Multiplier float64       // 待機時間の倍率
	MaxBackoff time.Duration // 1回あたりの待機上限
	Budget     time.Duration // 再試行全体の時間予算（0は無制限）
}

// Default は取り込み・埋め込みで共通に使う再試行方針を返す。
func Default() Policy {
	return Policy{
		Initial:    2 * time.Second,
		Multiplier: 2.0,
		MaxBackoff: 60 * time.Second,
		Budget:     30 * time.Minute,
	}
}

// Do は fn を成功するまで再試行する。retryable が false を返したエラーは
// そのまま呼び出し元へ返す。待機中のコンテキスト打ち切りにも応答する。
func (p Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool) error {
	deadline := time.Time{}
	if p.Budget > 0 {
		deadline = time.Now().Add(p.Budget)
	}

	backoff := p.Initial
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if p.Initial <= 0 {
			return err
		}
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			return fmt.Errorf("%w: %w", ErrBudgetExceeded, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
