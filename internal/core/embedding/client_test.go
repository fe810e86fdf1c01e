package embedding

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/repochat/internal/core/retry"
)

// stubEmbedder はテスト用の Embedder 実装。
type stubEmbedder struct {
	name    string
	dim     int
	errs    []error // 呼び出しごとに返すエラー（使い切ったら成功）
	calls   int
	batches [][]string
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	s.batches = append(s.batches, texts)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dim)
		vec[0] = 3
		vec[1] = 4
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int    { return s.dim }
func (s *stubEmbedder) ModelName() string { return s.name }

func fastPolicy() retry.Policy {
	return retry.Policy{Initial: time.Millisecond, Multiplier: 2.0, MaxBackoff: 2 * time.Millisecond, Budget: 50 * time.Millisecond}
}

func TestClient_Embed_NormalizesVectors(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 8}
	c := NewClient(primary, WithRetryPolicy(fastPolicy()), WithInterBatchDelay(0))

	vectors, err := c.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	for _, vec := range vectors {
		var sum float64
		for _, v := range vec {
			sum += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-6)
	}
}

func TestClient_Embed_SplitsBatches(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 4}
	c := NewClient(primary, WithRetryPolicy(fastPolicy()), WithBatchSize(3), WithInterBatchDelay(0))

	texts := []string{"a", "b", "c", "d", "e", "f", "g"}
	vectors, err := c.Embed(context.Background(), texts)
	require.NoError(t, err)
	assert.Len(t, vectors, len(texts))
	require.Len(t, primary.batches, 3)
	assert.Len(t, primary.batches[0], 3)
	assert.Len(t, primary.batches[2], 1)
}

func TestClient_Embed_RetriesOnRateLimit(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 4, errs: []error{ErrRateLimited, ErrRateLimited}}
	c := NewClient(primary, WithRetryPolicy(fastPolicy()), WithInterBatchDelay(0))

	vectors, err := c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 3, primary.calls)
}

func TestClient_Embed_FallsBackOnPermanentError(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 4, errs: []error{ErrUnauthorized}}
	secondary := &stubEmbedder{name: "secondary", dim: 4}
	c := NewClient(primary,
		WithFallback(secondary),
		WithRetryPolicy(fastPolicy()),
		WithInterBatchDelay(0),
	)

	vectors, err := c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)

	// 以降の呼び出しは予備系を使い続ける
	_, err = c.Embed(context.Background(), []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, secondary.calls)
}

func TestClient_Embed_FallbackDimensionMismatch(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 4, errs: []error{nil, ErrUnauthorized}}
	secondary := &stubEmbedder{name: "secondary", dim: 8}
	c := NewClient(primary,
		WithFallback(secondary),
		WithRetryPolicy(fastPolicy()),
		WithInterBatchDelay(0),
	)

	// 1回目で次元4が確定する
	_, err := c.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Dimension())

	// 主系が落ちても次元の異なる予備系へは切り替えない
	_, err = c.Embed(context.Background(), []string{"b"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, secondary.calls)
}

func TestClient_Embed_NoFallbackReturnsError(t *testing.T) {
	primary := &stubEmbedder{name: "primary", dim: 4, errs: []error{ErrUnauthorized}}
	c := NewClient(primary, WithRetryPolicy(fastPolicy()), WithInterBatchDelay(0))

	_, err := c.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestNormalize_ZeroVector(t *testing.T) {
	vec := []float32{0, 0, 0}
	assert.Equal(t, vec, Normalize(vec))
}
