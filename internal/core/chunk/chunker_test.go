package chunk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/repochat/internal/core/parser"
)

var testCodebaseID = uuid.MustParse("a3bb189e-8bf9-3888-9912-ace4e6543002")

func buildFunctionSource(name string, bodyLines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "func %s(items []string) (map[string]int, error) {\n", name)
	b.WriteString("\tcounts := make(map[string]int)\n")
	for i := 0; i < bodyLines; i++ {
		fmt.Fprintf(&b, "\tcounts[\"item_%d\"] = len(items) + %d // accumulate bucket %d\n", i, i, i)
	}
	b.WriteString("\treturn counts, nil\n}")
	return b.String()
}

func newTestChunker(t *testing.T, opts ...Option) *Chunker {
	t.Helper()
	c, err := NewChunker(opts...)
	require.NoError(t, err)
	return c
}

func TestChunker_FunctionChunk(t *testing.T) {
	c := newTestChunker(t)

	fn := buildFunctionSource("CountItems", 16)
	fnLines := strings.Count(fn, "\n") + 1
	doc := "// CountItems は項目ごとの件数を集計する。"
	content := "package stats\n\n" + doc + "\n" + fn + "\n"

	result := &parser.Result{
		Language: parser.LangGo,
		Regions: []parser.Region{
			{
				Kind:       parser.KindFunction,
				Name:       "CountItems",
				StartLine:  4,
				EndLine:    3 + fnLines,
				Content:    fn,
				DocComment: doc,
			},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "stats/count.go", parser.LangGo, content, result)
	require.Len(t, chunks, 2)

	// 先頭のパッケージ宣言は前文チャンク、続いて関数チャンク
	assert.Equal(t, KindModule, chunks[0].Kind)
	assert.Equal(t, 1, chunks[0].StartLine)
	assert.Equal(t, 2, chunks[0].EndLine)

	got := chunks[1]
	assert.Equal(t, KindFunction, got.Kind)
	assert.Equal(t, "CountItems", got.Name)
	// ドキュメントコメントは本体に取り込まれ、開始行も繰り上がる
	assert.Equal(t, 3, got.StartLine)
	assert.Equal(t, 3+fnLines, got.EndLine)
	assert.True(t, strings.HasPrefix(got.Content, doc))
	assert.Positive(t, got.Tokens)
}

func TestChunker_TinyFunctionKept(t *testing.T) {
	c := newTestChunker(t)

	fn := "func noop() {}"
	result := &parser.Result{
		Language: parser.LangGo,
		Regions: []parser.Region{
			{Kind: parser.KindFunction, Name: "noop", StartLine: 3, EndLine: 3, Content: fn},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "noop.go", parser.LangGo, "package x\n\n"+fn+"\n", result)
	require.Len(t, chunks, 2)

	assert.Equal(t, KindModule, chunks[0].Kind)

	got := chunks[1]
	assert.Equal(t, KindFunction, got.Kind)
	assert.Equal(t, "noop", got.Name)
	assert.Equal(t, 3, got.StartLine)
	assert.Equal(t, 3, got.EndLine)
	assert.Equal(t, fn, got.Content)
	assert.Positive(t, got.Tokens)
}

func TestChunker_ShortPythonFunction(t *testing.T) {
	c := newTestChunker(t)

	pyLines := []string{
		"def foo(a, b):",
		"    total = a + b",
		"    if total > 10:",
		"        return 1",
		"    if total < 0:",
		"        return 1",
		"    for _ in range(total):",
		"        total -= 1",
		"",
		"    return 1",
	}
	content := strings.Join(pyLines, "\n") + "\n"

	result := &parser.Result{
		Language: parser.LangPython,
		Regions: []parser.Region{
			{
				Kind: parser.KindFunction, Name: "foo",
				StartLine: 1, EndLine: len(pyLines),
				Content: strings.Join(pyLines, "\n"),
			},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "a.py", parser.LangPython, content, result)
	require.Len(t, chunks, 1)

	got := chunks[0]
	assert.Equal(t, KindFunction, got.Kind)
	assert.Equal(t, "foo", got.Name)
	assert.Equal(t, 1, got.StartLine)
	assert.Equal(t, 10, got.EndLine)
	assert.Contains(t, got.Content, "return 1")
}

func TestChunker_ImportBlock(t *testing.T) {
	c := newTestChunker(t)

	result := &parser.Result{
		Language: parser.LangPython,
		Imports:  []string{"os", "sys", "collections"},
		Regions: []parser.Region{
			{Kind: parser.KindImport, StartLine: 1, EndLine: 1, Content: "import os"},
			{Kind: parser.KindImport, StartLine: 2, EndLine: 2, Content: "import sys"},
			{Kind: parser.KindImport, StartLine: 4, EndLine: 4, Content: "from collections import Counter"},
		},
	}
	content := "import os\nimport sys\n\nfrom collections import Counter\n"

	chunks := c.ChunkFile(testCodebaseID, "app/main.py", parser.LangPython, content, result)
	require.Len(t, chunks, 1)

	got := chunks[0]
	assert.Equal(t, KindImportBlock, got.Kind)
	assert.Equal(t, 1, got.StartLine)
	assert.Equal(t, 4, got.EndLine)
	assert.Equal(t, []string{"os", "sys", "collections"}, got.Dependencies)
}

func TestChunker_ClassWithinCapIsSingleChunk(t *testing.T) {
	c := newTestChunker(t)

	method := buildFunctionSource("process", 12)
	classLines := []string{"class Processor:", "    limit = 10"}
	for _, line := range strings.Split(method, "\n") {
		classLines = append(classLines, "    "+line)
	}
	classContent := strings.Join(classLines, "\n")

	result := &parser.Result{
		Language: parser.LangPython,
		Regions: []parser.Region{
			{
				Kind: parser.KindClass, Name: "Processor",
				StartLine: 1, EndLine: len(classLines), Content: classContent,
			},
			{
				Kind: parser.KindMethod, Name: "process", ParentClass: "Processor",
				StartLine: 3, EndLine: len(classLines), Content: method,
			},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "proc.py", parser.LangPython, classContent+"\n", result)
	require.Len(t, chunks, 1)
	assert.Equal(t, KindClass, chunks[0].Kind)
	assert.Equal(t, "Processor", chunks[0].Name)
}

func TestChunker_GoMethodOutsideTypeDeclaration(t *testing.T) {
	c := newTestChunker(t)

	typeDecl := "type Server struct {\n\taddr string\n\ttimeout int\n\tretries int\n\tlabels map[string]string\n\thandlers map[string]func() error\n}"
	method := buildFunctionSource("handle", 14)
	typeLines := strings.Count(typeDecl, "\n") + 1
	methodStart := typeLines + 2
	content := typeDecl + "\n\n" + method + "\n"

	result := &parser.Result{
		Language: parser.LangGo,
		Regions: []parser.Region{
			{Kind: parser.KindClass, Name: "Server", StartLine: 1, EndLine: typeLines, Content: typeDecl},
			{
				Kind: parser.KindMethod, Name: "handle", ParentClass: "Server",
				StartLine: methodStart, EndLine: methodStart + strings.Count(method, "\n"), Content: method,
			},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "server.go", parser.LangGo, content, result)

	// 型宣言の外にあるメソッドはクラスチャンクに吸収されず個別チャンクになる
	var kinds []Kind
	for _, ch := range chunks {
		kinds = append(kinds, ch.Kind)
	}
	assert.Contains(t, kinds, KindMethod)
}

func TestChunker_FallbackWindow(t *testing.T) {
	c := newTestChunker(t, WithTokenBudget(100, 150))

	var lines []string
	for i := 0; i < 120; i++ {
		lines = append(lines, fmt.Sprintf("record %d: some plain configuration value number %d", i, i))
	}
	content := strings.Join(lines, "\n")

	// 対応言語でも構造が取れなかったファイルはウィンドウ分割にフォールバックする
	chunks := c.ChunkFile(testCodebaseID, "tools/gen.py", parser.LangPython, content, &parser.Result{Language: parser.LangPython})
	require.Greater(t, len(chunks), 1)

	assert.Equal(t, 1, chunks[0].StartLine)
	for i, ch := range chunks {
		assert.Equal(t, KindOther, ch.Kind)
		assert.LessOrEqual(t, ch.StartLine, ch.EndLine)
		if i > 0 {
			// ウィンドウは前進しつつオーバーラップを許す
			assert.Greater(t, ch.StartLine, chunks[i-1].StartLine)
			assert.LessOrEqual(t, ch.StartLine, chunks[i-1].EndLine+1)
		}
	}
}

func TestChunker_OversizedFunctionSplit(t *testing.T) {
	c := newTestChunker(t, WithTokenBudget(120, 150))

	fn := buildFunctionSource("huge", 80)
	fnLines := strings.Count(fn, "\n") + 1
	result := &parser.Result{
		Language: parser.LangGo,
		Regions: []parser.Region{
			{Kind: parser.KindFunction, Name: "huge", StartLine: 1, EndLine: fnLines, Content: fn},
		},
	}

	chunks := c.ChunkFile(testCodebaseID, "huge.go", parser.LangGo, fn+"\n", result)
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.Equal(t, KindFunction, ch.Kind)
		assert.Equal(t, "huge", ch.Name)
		assert.GreaterOrEqual(t, ch.StartLine, 1)
		assert.LessOrEqual(t, ch.EndLine, fnLines)
	}
}

func TestDeterministicID(t *testing.T) {
	a := DeterministicID(testCodebaseID, "a/b.go", 10, 20, KindFunction)
	b := DeterministicID(testCodebaseID, "a/b.go", 10, 20, KindFunction)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, DeterministicID(testCodebaseID, "a/b.go", 10, 20, KindMethod))
	assert.NotEqual(t, a, DeterministicID(testCodebaseID, "a/b.go", 11, 20, KindFunction))
	assert.NotEqual(t, a, DeterministicID(uuid.New(), "a/b.go", 10, 20, KindFunction))
}
