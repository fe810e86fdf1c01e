package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/llm"
	"github.com/jinford/repochat/internal/core/retrieval"
	"github.com/jinford/repochat/internal/core/session"
)

var (
	// ErrTooManyQueries は同時実行数の上限に達した場合に返る。待たずに失敗する。
	ErrTooManyQueries = errors.New("too many concurrent queries")
	// ErrCodebaseNotReady は取り込みが完了していないコードベースへの問い合わせで返る。
	ErrCodebaseNotReady = errors.New("codebase is not ready for queries")
	// ErrSessionMismatch はセッションが別のコードベースに属する場合に返る。
	ErrSessionMismatch = errors.New("session belongs to a different codebase")
)

const (
	defaultHistoryMessages    = 5
	defaultContextTokenBudget = 12000
	defaultMaxConcurrent      = 10

	// 検索結果が空のときに生成へ渡す文脈
	noEvidenceContext = "No relevant code was retrieved for this question.\n"

	systemPrompt = `You are a code documentation assistant. Answer questions using ONLY the code context provided below.
Cite code locations in the form path:start-end (for example internal/server/http.go:42-67) and only cite lines that appear in the context.
If the context does not contain the answer, say you don't see it in the provided code instead of guessing.`
)

// Retriever は検索段が必要とする操作を表す。
type Retriever interface {
	Retrieve(ctx context.Context, codebaseID uuid.UUID, query string, f retrieval.Filters) ([]retrieval.Result, error)
}

// CodebaseReader はコードベースの状態確認に必要な操作を表す。
type CodebaseReader interface {
	Get(ctx context.Context, id uuid.UUID) (*codebase.Codebase, error)
}

// TokenCounter はコンテキスト予算の計測に使う。
type TokenCounter interface {
	CountTokens(text string) int
}

// Params は1回の問い合わせを表す。SessionID が nil なら新規セッションを作る。
type Params struct {
	CodebaseID uuid.UUID
	SessionID  *uuid.UUID
	Query      string
}

// Agent は解析・検索・文脈化・生成・検証の段階を順に実行し、
// 結果をイベントストリームとして返す。
type Agent struct {
	codebases CodebaseReader
	retriever Retriever
	generator llm.Client
	sessions  session.Store
	counter   TokenCounter
	logger    *slog.Logger

	historyMessages int
	contextBudget   int
	temperature     float64
	maxTokens       int
	sem             chan struct{}
}

// AgentOption は Agent の設定を変更する。
type AgentOption func(*Agent)

// WithHistoryMessages は履歴として渡す直近メッセージ数を設定する。
func WithHistoryMessages(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.historyMessages = n
		}
	}
}

// WithContextBudget は文脈のトークン予算を設定する。
func WithContextBudget(tokens int) AgentOption {
	return func(a *Agent) {
		if tokens > 0 {
			a.contextBudget = tokens
		}
	}
}

// WithGeneration は生成時の温度と最大トークン数を設定する。
// どちらも0のときはプロバイダの既定値に任せる。
func WithGeneration(temperature float64, maxTokens int) AgentOption {
	return func(a *Agent) {
		a.temperature = temperature
		a.maxTokens = maxTokens
	}
}

// WithMaxConcurrent は同時問い合わせ数の上限を設定する。
func WithMaxConcurrent(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.sem = make(chan struct{}, n)
		}
	}
}

// WithAgentLogger はロガーを差し替える。
func WithAgentLogger(logger *slog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New は Agent を生成する。
func New(codebases CodebaseReader, retriever Retriever, generator llm.Client, sessions session.Store, counter TokenCounter, opts ...AgentOption) *Agent {
	a := &Agent{
		codebases:       codebases,
		retriever:       retriever,
		generator:       generator,
		sessions:        sessions,
		counter:         counter,
		logger:          slog.Default(),
		historyMessages: defaultHistoryMessages,
		contextBudget:   defaultContextTokenBudget,
		sem:             make(chan struct{}, defaultMaxConcurrent),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Ask は問い合わせを開始する。前提条件の検査はこの関数内で同期的に行い、
// 失敗はエラーとして返す。処理が始まった後の失敗はストリームの
// error イベントになる。
func (a *Agent) Ask(ctx context.Context, p Params) (<-chan Event, error) {
	select {
	case a.sem <- struct{}{}:
	default:
		return nil, ErrTooManyQueries
	}

	release := func() { <-a.sem }

	cb, err := a.codebases.Get(ctx, p.CodebaseID)
	if err != nil {
		release()
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	if cb.Status != codebase.StatusCompleted {
		release()
		return nil, fmt.Errorf("%w: status=%s", ErrCodebaseNotReady, cb.Status)
	}

	var sess *session.Session
	if p.SessionID != nil {
		sess, err = a.sessions.Get(ctx, *p.SessionID)
		if err != nil {
			release()
			return nil, fmt.Errorf("get session: %w", err)
		}
		if sess.CodebaseID != p.CodebaseID {
			release()
			return nil, ErrSessionMismatch
		}
	} else {
		sess, err = a.sessions.Create(ctx, p.CodebaseID)
		if err != nil {
			release()
			return nil, fmt.Errorf("create session: %w", err)
		}
	}

	events := make(chan Event, 1)
	go func() {
		defer release()
		defer close(events)
		a.run(ctx, p, sess, events)
	}()
	return events, nil
}

func (a *Agent) run(ctx context.Context, p Params, sess *session.Session, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventSessionID, SessionID: sess.ID.String()}) {
		return
	}

	started := time.Now()

	// 解析
	an := analyzeQuery(p.Query)

	history, err := a.sessions.Recent(ctx, sess.ID, a.historyMessages)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		a.fail(ctx, emit, sess, "", fmt.Errorf("load history: %w", err))
		return
	}

	if err := a.sessions.Append(ctx, sess.ID, session.Message{
		ID:        uuid.New(),
		Role:      session.RoleUser,
		Content:   p.Query,
		CreatedAt: time.Now(),
	}); err != nil {
		a.fail(ctx, emit, sess, "", fmt.Errorf("persist question: %w", err))
		return
	}

	// 検索
	results, err := a.retriever.Retrieve(ctx, p.CodebaseID, p.Query, an.filters)
	if err != nil {
		a.fail(ctx, emit, sess, "", fmt.Errorf("retrieve: %w", err))
		return
	}

	// フィルタが強すぎて空振りした場合は一度だけ緩めて再検索する
	if len(results) == 0 && (an.filters.Language != "" || an.filters.ChunkKind != "" || an.filters.FilePath != "") {
		results, err = a.retriever.Retrieve(ctx, p.CodebaseID, p.Query, retrieval.Filters{Hints: an.filters.Hints})
		if err != nil {
			a.fail(ctx, emit, sess, "", fmt.Errorf("retrieve: %w", err))
			return
		}
	}

	// 文脈化。検索が空振りした場合もその旨を文脈に載せて生成へ進む
	contextText := a.buildContext(results)
	if len(results) == 0 {
		contextText = noEvidenceContext
	}

	// 生成
	answer, err := a.generate(ctx, p.Query, history, contextText, emit)
	if err != nil {
		a.fail(ctx, emit, sess, answer, err)
		return
	}

	// 検証
	citations := extractCitations(answer, results)
	sources := make([]Source, 0, len(citations))
	for _, c := range citations {
		sources = append(sources, Source{
			FilePath:   c.FilePath,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			Snippet:    c.Snippet,
			Confidence: c.Confidence,
		})
	}

	chunkRefs := make([]string, 0, len(results))
	for _, r := range results {
		chunkRefs = append(chunkRefs, r.Chunk.ID)
	}
	a.persistAnswer(ctx, sess, answer, citations, chunkRefs)

	if !emit(Event{Type: EventSources, Sources: sources}) {
		return
	}
	emit(Event{Type: EventDone})

	a.logger.Info("問い合わせが完了",
		slog.String("session_id", sess.ID.String()),
		slog.Int("retrieved", len(results)),
		slog.Int("citations", len(citations)),
		slog.Duration("elapsed", time.Since(started)),
	)
}

// buildContext は検索結果をスコア順に、トークン予算内で文脈へ詰める。
func (a *Agent) buildContext(results []retrieval.Result) string {
	var b strings.Builder
	used := 0
	for i, r := range results {
		block := fmt.Sprintf("// %s:%d-%d (%s %s)\n```%s\n%s\n```\n\n",
			r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine,
			r.Chunk.Kind, r.Chunk.Name, r.Chunk.Language, r.Chunk.Content)
		tokens := a.counter.CountTokens(block)
		if i > 0 && used+tokens > a.contextBudget {
			break
		}
		b.WriteString(block)
		used += tokens
	}
	return b.String()
}

func (a *Agent) generate(ctx context.Context, query string, history []session.Message, contextText string, emit func(Event) bool) (string, error) {
	turns := make([]llm.Turn, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Content})
	}

	prompt := fmt.Sprintf("Code context:\n\n%s\nQuestion: %s", contextText, query)

	deltas, err := a.generator.Stream(ctx, llm.Request{
		System:      systemPrompt,
		History:     turns,
		Prompt:      prompt,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("start generation: %w", err)
	}

	var answer strings.Builder
	for d := range deltas {
		if d.Err != nil {
			return answer.String(), fmt.Errorf("generation stream: %w", d.Err)
		}
		if d.Content == "" {
			continue
		}
		answer.WriteString(d.Content)
		if !emit(Event{Type: EventChunk, Content: d.Content}) {
			return answer.String(), ctx.Err()
		}
	}
	return answer.String(), nil
}

// fail はエラーテキストをアシスタントメッセージとして履歴に残し、
// error イベントを流す。途中まで生成できた回答があれば一緒に残す。
func (a *Agent) fail(ctx context.Context, emit func(Event) bool, sess *session.Session, partial string, cause error) {
	a.logger.Error("問い合わせが失敗",
		slog.String("session_id", sess.ID.String()),
		slog.String("error", cause.Error()),
	)
	msg := cause.Error()
	if partial != "" {
		msg = partial + "\n\n" + cause.Error()
	}
	// キャンセル済みのctxでも履歴への記録は実行する
	a.persistAnswer(context.WithoutCancel(ctx), sess, msg, nil, nil)
	emit(Event{Type: EventError, Error: cause.Error()})
}

func (a *Agent) persistAnswer(ctx context.Context, sess *session.Session, answer string, citations []session.Citation, chunkRefs []string) {
	err := a.sessions.Append(ctx, sess.ID, session.Message{
		ID:        uuid.New(),
		Role:      session.RoleAssistant,
		Content:   answer,
		CreatedAt: time.Now(),
		Citations: citations,
		ChunkRefs: chunkRefs,
	})
	if err != nil {
		a.logger.Warn("回答の保存に失敗",
			slog.String("session_id", sess.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}
