package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/chunk"
	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/parser"
	"github.com/jinford/repochat/internal/core/retry"
	"github.com/jinford/repochat/internal/core/secrets"
	"github.com/jinford/repochat/internal/core/vectorstore"
)

const (
	// DefaultParseWorkerCount はデフォルトの解析ワーカー数（CPU バウンド）
	DefaultParseWorkerCount = 4
	// DefaultEmbedBatchSize はEmbedding投入のデフォルトバッチサイズ。
	// ジャーナルへの記録もこの単位で行う。
	DefaultEmbedBatchSize = 100
	// DefaultMaxUploadBytes はアーカイブのデフォルト上限サイズ
	DefaultMaxUploadBytes = 100 << 20
	// DefaultPerFileMaxBytes は1ファイルのデフォルト上限サイズ
	DefaultPerFileMaxBytes = 1 << 20

	srcDirName = "src"
)

// Cloner はリモートリポジトリの取得を抽象化する。
type Cloner interface {
	Clone(ctx context.Context, url, branch, destDir string) error
}

// Extractor はアップロードされたアーカイブの展開を抽象化する。
type Extractor interface {
	Extract(ctx context.Context, archivePath, destDir string) error
}

// Embedder はチャンク本文の埋め込み生成を抽象化する。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Workflow はコードベース1件の取り込みを実行する。
// 各段階の進行は Registry に記録され、外部サービスへ副作用を持つ
// 段階はジャーナルにバッチ単位で記録される。チャンクIDが決定的で
// 保存がupsertであるため、途中失敗後の再実行は重複を生まない。
type Workflow struct {
	registry codebase.Registry
	store    vectorstore.Store
	embedder Embedder
	chunker  *chunk.Chunker
	scanner  *secrets.Scanner
	parser   *parser.Parser

	cloner    Cloner
	extractor Extractor
	journal   Journal
	logger    *slog.Logger
	policy    retry.Policy

	stagingRoot     string
	maxUploadBytes  int64
	perFileMaxBytes int64
	batchSize       int
	parseWorkers    int
	langOverrides   map[string]parser.Language
}

// WorkflowOption は Workflow の設定を変更する。
type WorkflowOption func(*Workflow)

// WithCloner はリモート取得の実装を設定する。
func WithCloner(c Cloner) WorkflowOption {
	return func(w *Workflow) {
		w.cloner = c
	}
}

// WithExtractor はアーカイブ展開の実装を設定する。
func WithExtractor(e Extractor) WorkflowOption {
	return func(w *Workflow) {
		w.extractor = e
	}
}

// WithJournal は進行記録の実装を差し替える。
func WithJournal(j Journal) WorkflowOption {
	return func(w *Workflow) {
		w.journal = j
	}
}

// WithStagingRoot はステージングディレクトリのルートを設定する。
func WithStagingRoot(dir string) WorkflowOption {
	return func(w *Workflow) {
		w.stagingRoot = dir
	}
}

// WithMaxUploadBytes はアーカイブの上限サイズを設定する。
func WithMaxUploadBytes(n int64) WorkflowOption {
	return func(w *Workflow) {
		if n > 0 {
			w.maxUploadBytes = n
		}
	}
}

// WithEmbedBatchSize はEmbedding投入のバッチサイズを設定する。
func WithEmbedBatchSize(n int) WorkflowOption {
	return func(w *Workflow) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithParseWorkers は解析ワーカー数を設定する。
func WithParseWorkers(n int) WorkflowOption {
	return func(w *Workflow) {
		if n > 0 {
			w.parseWorkers = n
		}
	}
}

// WithLanguageOverrides は拡張子から言語への対応の上書きを設定する。
func WithLanguageOverrides(overrides map[string]parser.Language) WorkflowOption {
	return func(w *Workflow) {
		w.langOverrides = overrides
	}
}

// WithWorkflowLogger はロガーを差し替える。
func WithWorkflowLogger(logger *slog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithRetryPolicy は索引投入など外部サービス呼び出しの再試行方針を設定する。
func WithRetryPolicy(p retry.Policy) WorkflowOption {
	return func(w *Workflow) {
		w.policy = p
	}
}

// NewWorkflow は Workflow を生成する。
func NewWorkflow(registry codebase.Registry, store vectorstore.Store, embedder Embedder, chunker *chunk.Chunker, opts ...WorkflowOption) *Workflow {
	ingMetrics.init()

	w := &Workflow{
		registry:        registry,
		store:           store,
		embedder:        embedder,
		chunker:         chunker,
		scanner:         secrets.NewScanner(),
		parser:          parser.New(),
		logger:          slog.Default(),
		policy:          retry.Default(),
		stagingRoot:     os.TempDir(),
		maxUploadBytes:  DefaultMaxUploadBytes,
		perFileMaxBytes: DefaultPerFileMaxBytes,
		batchSize:       DefaultEmbedBatchSize,
		parseWorkers:    DefaultParseWorkerCount,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.journal == nil {
		w.journal = NewFileJournal(w.stagingRoot)
	}
	return w
}

// parsedFile は解析済みファイル1件を表す。Content はシークレットを
// マスキングした後の本文。
type parsedFile struct {
	Entry   ManifestEntry
	Content string
	Result  *parser.Result
}

// Run はコードベース1件の取り込みを最後まで実行する。
// 完了済みのコードベースに対しては何もしない。失敗時は状態を
// failed に更新したうえでエラーを返す。
func (w *Workflow) Run(ctx context.Context, id uuid.UUID) error {
	cb, err := w.registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get codebase: %w", err)
	}
	if cb.Status == codebase.StatusCompleted {
		w.logger.Info("取り込み済みのため何もしない", slog.String("codebase_id", id.String()))
		return nil
	}

	state, err := w.journal.Load(id)
	if err != nil {
		return fmt.Errorf("load journal: %w", err)
	}

	started := time.Now()
	if err := w.execute(ctx, cb, state); err != nil {
		ingMetrics.runFailures.Inc()

		cause := err.Error()
		if errors.Is(err, context.Canceled) {
			cause = "canceled"
		}
		// キャンセル済みのctxでも状態更新は実行する
		if markErr := w.registry.MarkFailed(context.WithoutCancel(ctx), id, cause); markErr != nil {
			w.logger.Error("失敗状態の記録に失敗",
				slog.String("codebase_id", id.String()),
				slog.String("error", markErr.Error()),
			)
		}
		return err
	}

	ingMetrics.runDuration.Observe(time.Since(started).Seconds())
	w.logger.Info("取り込みが完了",
		slog.String("codebase_id", id.String()),
		slog.Duration("elapsed", time.Since(started)),
	)
	return nil
}

func (w *Workflow) execute(ctx context.Context, cb *codebase.Codebase, state *journalState) error {
	id := cb.ID

	// 検証
	if err := w.registry.UpdateStep(ctx, id, codebase.StepValidating); err != nil {
		return err
	}
	if !state.Validated {
		if err := w.validate(cb); err != nil {
			return err
		}
		state.Validated = true
		if err := w.journal.Save(id, state); err != nil {
			return err
		}
	}

	// 取得と展開
	if err := w.registry.UpdateStep(ctx, id, codebase.StepMaterialize); err != nil {
		return err
	}
	srcDir, err := w.materialize(ctx, cb, state)
	if err != nil {
		return err
	}
	if err := w.registry.UpdateProgress(ctx, id, 0, len(state.Manifest)); err != nil {
		return err
	}
	primary, all := languageBreakdown(state.Manifest)
	if err := w.registry.SetLanguages(ctx, id, primary, all); err != nil {
		return err
	}

	// 解析とシークレット検出
	if err := w.registry.UpdateStep(ctx, id, codebase.StepParsing); err != nil {
		return err
	}
	files, summary, err := w.parseFiles(ctx, cb, srcDir, state.Manifest)
	if err != nil {
		return err
	}
	if err := w.registry.SetSecretSummary(ctx, id, summary.Total(), summary.Files()); err != nil {
		return err
	}

	// チャンク化
	if err := w.registry.UpdateStep(ctx, id, codebase.StepChunking); err != nil {
		return err
	}
	chunks := w.chunkFiles(id, files)
	if err := w.registry.SetChunksCreated(ctx, id, len(chunks)); err != nil {
		return err
	}

	// Embedding生成と索引投入
	if err := w.registry.UpdateStep(ctx, id, codebase.StepEmbedding); err != nil {
		return err
	}
	if err := w.embedAndIndex(ctx, cb, state, chunks); err != nil {
		return err
	}

	if err := w.registry.UpdateStep(ctx, id, codebase.StepIndexing); err != nil {
		return err
	}
	if err := w.verifyIndex(ctx, cb, len(chunks)); err != nil {
		return err
	}
	if err := w.registry.UpdateProgress(ctx, id, len(state.Manifest), len(state.Manifest)); err != nil {
		return err
	}

	if err := w.registry.MarkCompleted(ctx, id); err != nil {
		return err
	}
	if err := w.journal.Clear(id); err != nil {
		w.logger.Warn("ジャーナルの削除に失敗", slog.String("error", err.Error()))
	}
	// 展開したソースは索引完了後は不要になる
	if err := os.RemoveAll(srcDir); err != nil {
		w.logger.Warn("ステージングの削除に失敗", slog.String("error", err.Error()))
	}
	return nil
}

func (w *Workflow) validate(cb *codebase.Codebase) error {
	switch cb.OriginKind {
	case codebase.OriginArchive:
		if w.extractor == nil {
			return fmt.Errorf("%w: no extractor configured", ErrUnsupportedOrigin)
		}
		return validateArchive(cb.OriginRef, w.maxUploadBytes)
	case codebase.OriginRemote:
		if w.cloner == nil {
			return fmt.Errorf("%w: no cloner configured", ErrUnsupportedOrigin)
		}
		return validateRemote(cb.OriginRef)
	}
	return fmt.Errorf("%w: kind %q", ErrUnsupportedOrigin, cb.OriginKind)
}

// materialize は取り込み元をステージングへ展開し、マニフェストを作る。
// ジャーナルに記録済みで展開先も残っている場合は再利用する。
func (w *Workflow) materialize(ctx context.Context, cb *codebase.Codebase, state *journalState) (string, error) {
	srcDir := filepath.Join(w.stagingRoot, cb.ID.String(), srcDirName)

	if state.Materialized {
		if _, err := os.Stat(srcDir); err == nil {
			return srcDir, nil
		}
		// 展開先が消えている場合は最初からやり直す
		state.Materialized = false
		state.Manifest = nil
		state.EmbeddedBatches = 0
	}

	if err := os.RemoveAll(srcDir); err != nil {
		return "", fmt.Errorf("clean staging: %w", err)
	}
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging: %w", err)
	}

	switch cb.OriginKind {
	case codebase.OriginArchive:
		if err := w.extractor.Extract(ctx, cb.OriginRef, srcDir); err != nil {
			return "", fmt.Errorf("extract archive: %w", err)
		}
	case codebase.OriginRemote:
		if err := w.cloner.Clone(ctx, cb.OriginRef, cb.Branch, srcDir); err != nil {
			return "", fmt.Errorf("clone repository: %w", err)
		}
	}

	manifest, totalBytes, err := buildManifest(srcDir, w.perFileMaxBytes, w.langOverrides)
	if err != nil {
		return "", err
	}
	w.logger.Info("取り込み元を展開",
		slog.String("codebase_id", cb.ID.String()),
		slog.Int("files", len(manifest)),
		slog.Int64("bytes", totalBytes),
	)

	state.Materialized = true
	state.Manifest = manifest
	if err := w.journal.Save(cb.ID, state); err != nil {
		return "", err
	}
	return srcDir, nil
}

// parseFiles はマニフェストの各ファイルを読み込み、シークレットの
// マスキングと構文解析を行う。解析はワーカーで並列化し、結果は
// マニフェスト順（パス昇順）で返す。未対応の言語のファイルは
// マニフェストに記録されたまま索引対象から外れる。
func (w *Workflow) parseFiles(ctx context.Context, cb *codebase.Codebase, srcDir string, manifest []ManifestEntry) ([]parsedFile, *secrets.Summary, error) {
	supported := make([]ManifestEntry, 0, len(manifest))
	for _, e := range manifest {
		if e.Language == "" {
			w.logger.Warn("未対応の言語のためスキップ", slog.String("path", e.Path))
			ingMetrics.filesSkipped.Inc()
			continue
		}
		supported = append(supported, e)
	}

	files := make([]parsedFile, len(supported))
	summary := secrets.NewSummary()

	var (
		mu        sync.Mutex
		processed atomic.Int64
		firstErr  error
	)

	tasks := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < w.parseWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				if ctx.Err() != nil {
					return
				}
				entry := supported[idx]

				content, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(entry.Path)))
				if err != nil {
					w.logger.Warn("ファイルの読み込みに失敗",
						slog.String("path", entry.Path),
						slog.String("error", err.Error()),
					)
					continue
				}

				redacted, matches := w.scanner.Scan(string(content))
				if len(matches) > 0 {
					mu.Lock()
					summary.Add(entry.Path, matches)
					mu.Unlock()
					ingMetrics.secretsRedacted.Add(float64(len(matches)))
				}

				result, err := w.parser.Parse(ctx, entry.Language, entry.Path, []byte(redacted))
				if err != nil && !errors.Is(err, parser.ErrUnsupportedLanguage) {
					if ctx.Err() != nil {
						return
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}

				files[idx] = parsedFile{Entry: entry, Content: redacted, Result: result}
				ingMetrics.filesProcessed.Inc()

				n := int(processed.Add(1))
				if err := w.registry.UpdateProgress(ctx, cb.ID, n, len(manifest)); err != nil && ctx.Err() == nil {
					w.logger.Warn("進捗の更新に失敗", slog.String("error", err.Error()))
				}
			}
		}()
	}

	for idx := range supported {
		select {
		case tasks <- idx:
		case <-ctx.Done():
			close(tasks)
			wg.Wait()
			return nil, nil, ctx.Err()
		}
	}
	close(tasks)
	wg.Wait()

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	if firstErr != nil {
		return nil, nil, fmt.Errorf("parse files: %w", firstErr)
	}

	// 読み込みに失敗したファイルを除く
	out := files[:0]
	for _, f := range files {
		if f.Entry.Path != "" {
			out = append(out, f)
		}
	}
	return out, summary, nil
}

func (w *Workflow) chunkFiles(codebaseID uuid.UUID, files []parsedFile) []chunk.Chunk {
	var chunks []chunk.Chunk
	for _, f := range files {
		cs := w.chunker.ChunkFile(codebaseID, f.Entry.Path, f.Entry.Language, f.Content, f.Result)
		chunks = append(chunks, cs...)
	}
	ingMetrics.chunksCreated.Add(float64(len(chunks)))
	return chunks
}

// embedAndIndex はチャンクをバッチ単位で埋め込み、索引へ投入する。
// 完了したバッチはジャーナルに記録され、再実行時はスキップされる。
func (w *Workflow) embedAndIndex(ctx context.Context, cb *codebase.Codebase, state *journalState, chunks []chunk.Chunk) error {
	totalBatches := (len(chunks) + w.batchSize - 1) / w.batchSize

	for b := 0; b < totalBatches; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b < state.EmbeddedBatches {
			continue
		}

		lo := b * w.batchSize
		hi := lo + w.batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		batch := chunks[lo:hi]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vectors, err := w.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch %d: %w", b, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed batch %d: expected %d vectors, got %d", b, len(batch), len(vectors))
		}

		records := make([]vectorstore.Record, len(batch))
		for i, c := range batch {
			records[i] = vectorstore.Record{Chunk: c, Vector: vectors[i]}
		}
		err = w.policy.Do(ctx, func() error {
			return w.store.Upsert(ctx, records)
		}, transientIndexError)
		if err != nil {
			return fmt.Errorf("index batch %d: %w", b, err)
		}
		ingMetrics.embedBatches.Inc()

		state.EmbeddedBatches = b + 1
		if err := w.journal.Save(cb.ID, state); err != nil {
			return err
		}

		// 段階内の進捗はバッチ数をファイル数へ射影して表す
		if total := len(state.Manifest); total > 0 {
			done := total * (b + 1) / totalBatches
			if err := w.registry.UpdateProgress(ctx, cb.ID, done, total); err != nil {
				w.logger.Warn("進捗の更新に失敗", slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// transientIndexError はコンテキストの打ち切り以外を再試行対象とみなす。
func transientIndexError(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (w *Workflow) verifyIndex(ctx context.Context, cb *codebase.Codebase, expected int) error {
	var count int64
	err := w.policy.Do(ctx, func() error {
		var countErr error
		count, countErr = w.store.Count(ctx, vectorstore.Filter{CodebaseID: cb.ID})
		return countErr
	}, transientIndexError)
	if err != nil {
		return fmt.Errorf("count indexed chunks: %w", err)
	}
	if count < int64(expected) {
		return fmt.Errorf("index verification failed: %d of %d chunks indexed", count, expected)
	}
	return nil
}
