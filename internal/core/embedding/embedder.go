package embedding

import (
	"context"
	"errors"
	"math"
)

// 埋め込みプロバイダが返すエラーの分類。インフラ層の実装はAPIエラーを
// これらのセンチネルでラップして返す。
var (
	// ErrRateLimited はレート制限による一時的な失敗を表す。再試行可能。
	ErrRateLimited = errors.New("embedding rate limited")
	// ErrUnauthorized は認証失敗を表す。再試行しても回復しない。
	ErrUnauthorized = errors.New("embedding unauthorized")
	// ErrDimensionMismatch は確定済みの次元と異なるベクトルが返された場合のエラー。
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder はテキスト列をベクトル列へ変換する。
// 返り値のベクトル数は入力テキスト数と一致し、順序も保存される。
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// Normalize はベクトルを単位長へ正規化する。ゼロベクトルはそのまま返す。
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}
