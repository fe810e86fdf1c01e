package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/repochat/internal/core/retry"
)

const (
	defaultBatchSize       = 100
	defaultInterBatchDelay = 100 * time.Millisecond
)

// Client は主系・予備系の埋め込みプロバイダを束ね、レート制限時の
// 再試行と障害時の切り替えを担う。一度ベクトル次元が確定したら、
// 以降は同じ次元のプロバイダしか使わない。
type Client struct {
	primary  Embedder
	fallback Embedder
	policy   retry.Policy
	logger   *slog.Logger

	batchSize       int
	interBatchDelay time.Duration

	mu            sync.Mutex
	committedDim  int
	usingFallback bool
}

// ClientOption は Client の設定を変更する。
type ClientOption func(*Client)

// WithFallback は予備系プロバイダを設定する。
func WithFallback(e Embedder) ClientOption {
	return func(c *Client) {
		c.fallback = e
	}
}

// WithRetryPolicy は再試行方針を設定する。
func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithBatchSize は1リクエストあたりの最大テキスト数を設定する。
func WithBatchSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithInterBatchDelay はバッチ間の待機時間を設定する。
func WithInterBatchDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.interBatchDelay = d
	}
}

// WithClientLogger はロガーを差し替える。
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は Client を生成する。
func NewClient(primary Embedder, opts ...ClientOption) *Client {
	c := &Client{
		primary:         primary,
		policy:          retry.Default(),
		logger:          slog.Default(),
		batchSize:       defaultBatchSize,
		interBatchDelay: defaultInterBatchDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimension は確定済みの次元を返す。未確定の場合は現用プロバイダの公称値。
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.committedDim > 0 {
		return c.committedDim
	}
	return c.active().Dimension()
}

// ModelName は現用プロバイダのモデル名を返す。
func (c *Client) ModelName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active().ModelName()
}

func (c *Client) active() Embedder {
	if c.usingFallback && c.fallback != nil {
		return c.fallback
	}
	return c.primary
}

// Embed は任意長のテキスト列を埋め込む。バッチ上限で分割し、バッチ間に
// 待機を挟む。レート制限は再試行し、主系の恒久的な失敗は予備系へ
// 切り替える。返すベクトルはすべて単位長に正規化される。
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		if start > 0 && c.interBatchDelay > 0 {
			timer := time.NewTimer(c.interBatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		vectors, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var vectors [][]float32

	attempt := func(e Embedder) error {
		return c.policy.Do(ctx, func() error {
			got, err := e.EmbedBatch(ctx, batch)
			if err != nil {
				return err
			}
			if len(got) != len(batch) {
				return fmt.Errorf("embedder %s returned %d vectors for %d texts", e.ModelName(), len(got), len(batch))
			}
			vectors = got
			return nil
		}, func(err error) bool {
			if errors.Is(err, ErrRateLimited) {
				c.logger.Warn("埋め込みAPIのレート制限により再試行",
					slog.String("model", e.ModelName()),
				)
				return true
			}
			return false
		})
	}

	c.mu.Lock()
	current := c.active()
	c.mu.Unlock()

	err := attempt(current)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		next, serr := c.switchToFallback(current, err)
		if serr != nil {
			return nil, serr
		}
		if next == nil {
			return nil, err
		}
		err = attempt(next)
	}
	if err != nil {
		return nil, err
	}

	return c.commitAndNormalize(vectors)
}

// switchToFallback は主系の失敗後に予備系へ切り替える。切り替え先が
// ない、または既に予備系で失敗した場合は nil を返す。確定済み次元と
// 予備系の公称次元が食い違う場合は切り替えずエラーを返す。
func (c *Client) switchToFallback(failed Embedder, cause error) (Embedder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usingFallback || c.fallback == nil || failed == c.fallback {
		return nil, nil
	}
	if c.committedDim > 0 && c.fallback.Dimension() != c.committedDim {
		return nil, fmt.Errorf("%w: committed=%d provider=%d (%s)",
			ErrDimensionMismatch, c.committedDim, c.fallback.Dimension(), c.fallback.ModelName())
	}
	c.usingFallback = true
	c.logger.Warn("主系の埋め込みプロバイダから予備系へ切り替え",
		slog.String("from", c.primary.ModelName()),
		slog.String("to", c.fallback.ModelName()),
		slog.String("cause", cause.Error()),
	)
	return c.fallback, nil
}

func (c *Client) commitAndNormalize(vectors [][]float32) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]float32, len(vectors))
	for i, vec := range vectors {
		if c.committedDim == 0 {
			c.committedDim = len(vec)
		}
		if len(vec) != c.committedDim {
			return nil, fmt.Errorf("%w: committed=%d got=%d", ErrDimensionMismatch, c.committedDim, len(vec))
		}
		out[i] = Normalize(vec)
	}
	return out, nil
}
