package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/chunk"
	"github.com/jinford/repochat/internal/core/vectorstore"
)

const (
	defaultKDense = 20
	defaultKFinal = 5

	// 密検索と疎検索の融合重み
	denseWeight  = 0.7
	sparseWeight = 0.3

	snippetMaxChars = 400
)

// Embedder はクエリの埋め込みに必要な操作を表す。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Filters は検索の絞り込み条件と疎検索を補強するヒント語を表す。
type Filters struct {
	Language  string
	ChunkKind string
	FilePath  string
	// Hints はクエリ解析で抽出した識別子やファイル名。BM25側の
	// クエリ語に加えることで記号一致を優先させる。
	Hints []string
}

// Result は検索結果1件を表す。Score は融合後のスコア。
type Result struct {
	Chunk   chunk.Chunk
	Score   float64
	Dense   float64
	Sparse  float64
	Snippet string
}

// Engine は密ベクトル検索とBM25の融合によるハイブリッド検索を行う。
// 疎検索は密検索の候補集合を再スコアリングする方式で、独立した
// 転置索引は持たない。
type Engine struct {
	store    vectorstore.Store
	embedder Embedder
	logger   *slog.Logger

	kDense int
	kFinal int
}

// EngineOption は Engine の設定を変更する。
type EngineOption func(*Engine)

// WithK は候補件数と最終件数を設定する。
func WithK(dense, final int) EngineOption {
	return func(e *Engine) {
		if dense > 0 {
			e.kDense = dense
		}
		if final > 0 {
			e.kFinal = final
		}
	}
}

// WithEngineLogger はロガーを差し替える。
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine は Engine を生成する。
func NewEngine(store vectorstore.Store, embedder Embedder, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		embedder: embedder,
		logger:   slog.Default(),
		kDense:   defaultKDense,
		kFinal:   defaultKFinal,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Retrieve は query に関連するチャンクを融合スコア順に最大kFinal件返す。
// 候補が存在しない場合や全候補のスコアが0の場合は空を返す。
func (e *Engine) Retrieve(ctx context.Context, codebaseID uuid.UUID, query string, f Filters) ([]Result, error) {
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	hits, err := e.store.Search(ctx, vectors[0], e.kDense, vectorstore.Filter{
		CodebaseID: codebaseID,
		Language:   f.Language,
		ChunkKind:  f.ChunkKind,
		FilePath:   f.FilePath,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	queryTokens := tokenize(query)
	for _, hint := range f.Hints {
		queryTokens = append(queryTokens, tokenize(hint)...)
	}

	docs := make([][]string, len(hits))
	for i, h := range hits {
		docs[i] = tokenize(h.Chunk.Name + " " + h.Chunk.FilePath + " " + h.Chunk.Content)
	}
	sparse := minMaxNormalize(bm25Scores(queryTokens, docs))

	results := make([]Result, len(hits))
	allZero := true
	for i, h := range hits {
		dense := 1 - h.Distance
		if dense < 0 {
			dense = 0
		}
		if dense > 1 {
			dense = 1
		}
		score := denseWeight*dense + sparseWeight*sparse[i]
		if score > 0 {
			allZero = false
		}
		results[i] = Result{
			Chunk:   h.Chunk,
			Score:   score,
			Dense:   dense,
			Sparse:  sparse[i],
			Snippet: makeSnippet(h.Chunk.Content),
		}
	}
	if allZero {
		return nil, nil
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Dense != b.Dense {
			return a.Dense > b.Dense
		}
		if a.Chunk.FilePath != b.Chunk.FilePath {
			return a.Chunk.FilePath < b.Chunk.FilePath
		}
		return a.Chunk.StartLine < b.Chunk.StartLine
	})

	if len(results) > e.kFinal {
		results = results[:e.kFinal]
	}

	e.logger.Debug("ハイブリッド検索が完了",
		slog.String("codebase_id", codebaseID.String()),
		slog.Int("candidates", len(hits)),
		slog.Int("returned", len(results)),
	)
	return results, nil
}

// makeSnippet は行の途中で切れないようにスニペットを組み立てる。
func makeSnippet(content string) string {
	if len(content) <= snippetMaxChars {
		return content
	}
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for _, line := range lines {
		add := len(line)
		if b.Len() > 0 {
			add++
		}
		if b.Len()+add > snippetMaxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	if b.Len() == 0 && len(lines) > 0 {
		// 1行目だけで上限を超える場合は行単位を諦めて切り詰める
		line := lines[0]
		if len(line) > snippetMaxChars {
			line = line[:snippetMaxChars]
		}
		return line
	}
	return b.String()
}
