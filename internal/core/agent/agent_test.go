package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/repochat/internal/core/chunk"
	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/llm"
	"github.com/jinford/repochat/internal/core/retrieval"
	"github.com/jinford/repochat/internal/core/session"
)

type stubRetriever struct {
	results     []retrieval.Result
	err         error
	calls       int
	lastFilters retrieval.Filters
}

func (s *stubRetriever) Retrieve(_ context.Context, _ uuid.UUID, _ string, f retrieval.Filters) ([]retrieval.Result, error) {
	s.calls++
	s.lastFilters = f
	return s.results, s.err
}

type stubLLM struct {
	deltas  []llm.Delta
	release chan struct{} // 非nilなら受信までストリームを保留する
	err     error
	lastReq llm.Request
}

func (s *stubLLM) Stream(_ context.Context, req llm.Request) (<-chan llm.Delta, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan llm.Delta, 1)
	go func() {
		defer close(ch)
		if s.release != nil {
			<-s.release
		}
		for _, d := range s.deltas {
			ch <- d
		}
	}()
	return ch, nil
}

type charCounter struct{}

func (charCounter) CountTokens(text string) int { return len(text) / 4 }

func readyCodebase(t *testing.T) (*codebase.MemoryRegistry, uuid.UUID) {
	t.Helper()
	reg := codebase.NewMemoryRegistry()
	cb := &codebase.Codebase{Name: "demo"}
	require.NoError(t, reg.Create(context.Background(), cb))
	require.NoError(t, reg.MarkCompleted(context.Background(), cb.ID))
	return reg, cb.ID
}

func retrievedChunk(path string, start, end int, content string) retrieval.Result {
	return retrieval.Result{
		Chunk: chunk.Chunk{
			ID:        chunk.DeterministicID(uuid.Nil, path, start, end, chunk.KindFunction),
			FilePath:  path,
			StartLine: start,
			EndLine:   end,
			Kind:      chunk.KindFunction,
			Name:      "fn",
			Content:   content,
		},
		Score:   0.8,
		Snippet: content,
	}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func eventTypes(events []Event) []EventType {
	var types []EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestAgent_Ask_EventSequence(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("pkg/auth/login.go", 10, 40, "func Login() {}"),
	}}
	gen := &stubLLM{deltas: []llm.Delta{
		{Content: "The login flow lives in "},
		{Content: "pkg/auth/login.go:10-40."},
	}}

	a := New(reg, retriever, gen, sessions, charCounter{})
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "how does login work"})
	require.NoError(t, err)

	got := collect(t, events)
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, EventSessionID, got[0].Type)
	assert.NotEmpty(t, got[0].SessionID)
	assert.Equal(t, EventChunk, got[1].Type)
	assert.Equal(t, EventSources, got[len(got)-2].Type)
	assert.Equal(t, EventDone, got[len(got)-1].Type)

	// 引用は検索結果の行範囲に収まっているので残る
	sources := got[len(got)-2].Sources
	require.Len(t, sources, 1)
	assert.Equal(t, "pkg/auth/login.go", sources[0].FilePath)
	assert.Equal(t, 10, sources[0].StartLine)
	assert.Equal(t, 40, sources[0].EndLine)

	// 質問と回答がセッションへ保存される
	sessID := uuid.MustParse(got[0].SessionID)
	sess, err := sessions.Get(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleUser, sess.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Contains(t, sess.Messages[1].Content, "login.go:10-40")
	assert.NotEmpty(t, sess.Messages[1].ChunkRefs)
}

func TestAgent_Ask_FabricatedCitationDropped(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("pkg/auth/login.go", 10, 40, "func Login() {}"),
	}}
	gen := &stubLLM{deltas: []llm.Delta{
		{Content: "See pkg/auth/login.go:10-40 and also secret/hidden.go:1-99."},
	}}

	a := New(reg, retriever, gen, sessions, charCounter{})
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "where is login"})
	require.NoError(t, err)

	got := collect(t, events)
	sources := got[len(got)-2].Sources
	require.Len(t, sources, 1)
	assert.Equal(t, "pkg/auth/login.go", sources[0].FilePath)
}

func TestAgent_Ask_EmptyRetrieval(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{}
	gen := &stubLLM{deltas: []llm.Delta{
		{Content: "I don't see that in the provided code."},
	}}

	a := New(reg, retriever, gen, sessions, charCounter{})
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "nonexistent feature"})
	require.NoError(t, err)

	got := collect(t, events)
	types := eventTypes(got)
	assert.Equal(t, []EventType{EventSessionID, EventChunk, EventSources, EventDone}, types)
	assert.Empty(t, got[2].Sources)

	// 生成は空振りでも実行され、空振りした旨が文脈として渡る
	assert.Contains(t, gen.lastReq.Prompt, "No relevant code was retrieved")
	assert.Contains(t, gen.lastReq.Prompt, "nonexistent feature")

	// 引用は検索結果と突き合わせて落ちるので根拠のないソースは出ない
	sessID := uuid.MustParse(got[0].SessionID)
	sess, err := sessions.Get(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Empty(t, sess.Messages[1].Citations)
}

func TestAgent_Ask_RelaxesFiltersOnEmptyResult(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{}
	gen := &stubLLM{}

	a := New(reg, retriever, gen, sessions, charCounter{})
	// ファイル言及によりフィルタ付き検索→空→フィルタなし再検索の2回呼ばれる
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "what does server.go do"})
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, 2, retriever.calls)
	assert.Empty(t, retriever.lastFilters.FilePath)
}

func TestAgent_Ask_SessionReuseKeepsHistory(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("a.go", 1, 5, "func A() {}"),
	}}
	gen := &stubLLM{deltas: []llm.Delta{{Content: "answer"}}}

	a := New(reg, retriever, gen, sessions, charCounter{})

	first, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "first question"})
	require.NoError(t, err)
	got := collect(t, first)
	sessID := uuid.MustParse(got[0].SessionID)

	second, err := a.Ask(context.Background(), Params{CodebaseID: cbID, SessionID: &sessID, Query: "second question"})
	require.NoError(t, err)
	got = collect(t, second)
	assert.Equal(t, sessID.String(), got[0].SessionID)

	sess, err := sessions.Get(context.Background(), sessID)
	require.NoError(t, err)
	assert.Len(t, sess.Messages, 4)
}

func TestAgent_Ask_CodebaseNotReady(t *testing.T) {
	reg := codebase.NewMemoryRegistry()
	cb := &codebase.Codebase{Name: "still-ingesting"}
	require.NoError(t, reg.Create(context.Background(), cb))

	a := New(reg, &stubRetriever{}, &stubLLM{}, session.NewMemoryStore(), charCounter{})
	_, err := a.Ask(context.Background(), Params{CodebaseID: cb.ID, Query: "q"})
	assert.ErrorIs(t, err, ErrCodebaseNotReady)
}

func TestAgent_Ask_UnknownCodebase(t *testing.T) {
	reg := codebase.NewMemoryRegistry()
	a := New(reg, &stubRetriever{}, &stubLLM{}, session.NewMemoryStore(), charCounter{})
	_, err := a.Ask(context.Background(), Params{CodebaseID: uuid.New(), Query: "q"})
	assert.ErrorIs(t, err, codebase.ErrNotFound)
}

func TestAgent_Ask_SessionMismatch(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	other, err := sessions.Create(context.Background(), uuid.New())
	require.NoError(t, err)

	a := New(reg, &stubRetriever{}, &stubLLM{}, sessions, charCounter{})
	_, err = a.Ask(context.Background(), Params{CodebaseID: cbID, SessionID: &other.ID, Query: "q"})
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestAgent_Ask_ConcurrencyLimitFailsFast(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("a.go", 1, 5, "func A() {}"),
	}}
	release := make(chan struct{})
	gen := &stubLLM{deltas: []llm.Delta{{Content: "slow answer"}}, release: release}

	a := New(reg, retriever, gen, sessions, charCounter{}, WithMaxConcurrent(1))

	first, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "q1"})
	require.NoError(t, err)

	_, err = a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "q2"})
	assert.ErrorIs(t, err, ErrTooManyQueries)

	close(release)
	collect(t, first)
}

func TestAgent_Ask_StreamErrorEmitsErrorEvent(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("a.go", 1, 5, "func A() {}"),
	}}
	gen := &stubLLM{deltas: []llm.Delta{
		{Content: "partial "},
		{Err: errors.New("provider outage")},
	}}

	a := New(reg, retriever, gen, sessions, charCounter{})
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "q"})
	require.NoError(t, err)

	got := collect(t, events)
	last := got[len(got)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Error, "provider outage")

	// 部分的な回答とエラーテキストが一緒に保存される
	sessID := uuid.MustParse(got[0].SessionID)
	sess, err := sessions.Get(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Contains(t, sess.Messages[1].Content, "partial ")
	assert.Contains(t, sess.Messages[1].Content, "provider outage")
}

func TestAgent_Ask_FailureBeforeAnyOutputPersistsErrorText(t *testing.T) {
	reg, cbID := readyCodebase(t)
	sessions := session.NewMemoryStore()
	retriever := &stubRetriever{results: []retrieval.Result{
		retrievedChunk("a.go", 1, 5, "func A() {}"),
	}}
	gen := &stubLLM{err: errors.New("llm unavailable")}

	a := New(reg, retriever, gen, sessions, charCounter{})
	events, err := a.Ask(context.Background(), Params{CodebaseID: cbID, Query: "q"})
	require.NoError(t, err)

	got := collect(t, events)
	assert.Equal(t, EventError, got[len(got)-1].Type)

	// 会話を継続できるよう、失敗もアシスタントメッセージとして残る
	sessID := uuid.MustParse(got[0].SessionID)
	sess, err := sessions.Get(context.Background(), sessID)
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.Contains(t, sess.Messages[1].Content, "llm unavailable")
}
