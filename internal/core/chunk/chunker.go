package chunk

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/repochat/internal/core/parser"
)

const (
	defaultTargetTokens  = 800
	defaultMaxTokens     = 1500
	defaultOverlapTokens = 100
)

// Chunker は解析結果をもとにファイルを意味単位のチャンクへ分割する。
// 解析で得られた領域は小さくてもすべてチャンクとして残す。
type Chunker struct {
	encoder *tiktoken.Tiktoken

	targetTokens  int // 目標トークン数
	maxTokens     int // 1チャンクの上限トークン数
	overlapTokens int // 分割時に持ち越すトークン数
}

// Option は Chunker の設定を変更する。
type Option func(*Chunker)

// WithTokenBudget は目標トークン数と上限トークン数を設定する。
func WithTokenBudget(target, max int) Option {
	return func(c *Chunker) {
		if target > 0 {
			c.targetTokens = target
		}
		if max > 0 {
			c.maxTokens = max
		}
	}
}

// NewChunker は Chunker を生成する。
// cl100k_baseエンコーダを使用（OpenAIのtext-embedding-3-smallと互換）
func NewChunker(opts ...Option) (*Chunker, error) {
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}

	c := &Chunker{
		encoder:       encoder,
		targetTokens:  defaultTargetTokens,
		maxTokens:     defaultMaxTokens,
		overlapTokens: defaultOverlapTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CountTokens はテキストのトークン数をカウントする。
func (c *Chunker) CountTokens(text string) int {
	return len(c.encoder.Encode(text, nil, nil))
}

// ChunkFile はファイル1件をチャンク化する。result が nil または領域が
// 空の場合はスライディングウィンドウによるフォールバック分割を行う。
func (c *Chunker) ChunkFile(codebaseID uuid.UUID, filePath string, lang parser.Language, content string, result *parser.Result) []Chunk {
	lines := strings.Split(content, "\n")

	var regions []parser.Region
	var imports []string
	if result != nil {
		regions = result.Regions
		imports = result.Imports
	}
	if len(regions) == 0 {
		return c.windowChunks(codebaseID, filePath, lang, lines, 1, KindOther, "", "")
	}

	var chunks []Chunk

	// import群は行範囲を結合して1チャンクにまとめる
	if ic, ok := c.importBlock(codebaseID, filePath, lang, regions, imports); ok {
		chunks = append(chunks, ic)
	}

	// 先頭の領域より前の行（モジュールdocstringや定数定義）をまとめる
	if mc, ok := c.preamble(codebaseID, filePath, lang, lines, regions); ok {
		chunks = append(chunks, mc)
	}

	splitClasses := map[string]bool{}
	for _, r := range regions {
		if r.Kind != parser.KindClass {
			continue
		}
		if c.CountTokens(r.Content) > c.maxTokens {
			splitClasses[r.Name] = true
		}
	}

	for _, r := range regions {
		switch r.Kind {
		case parser.KindImport:
			continue
		case parser.KindClass:
			chunks = append(chunks, c.classChunks(codebaseID, filePath, lang, r, regions, splitClasses)...)
		case parser.KindFunction, parser.KindMethod:
			// クラス本体に含まれるメソッドはクラス側のチャンクで扱う。
			// Goのようにメソッドが型宣言の外にある言語はここで個別に扱う。
			if containedInClass(r, regions) {
				continue
			}
			chunks = append(chunks, c.callableChunks(codebaseID, filePath, lang, r)...)
		}
	}

	return chunks
}

func (c *Chunker) importBlock(codebaseID uuid.UUID, filePath string, lang parser.Language, regions []parser.Region, imports []string) (Chunk, bool) {
	var parts []string
	start, end := 0, 0
	for _, r := range regions {
		if r.Kind != parser.KindImport {
			continue
		}
		parts = append(parts, r.Content)
		if start == 0 || r.StartLine < start {
			start = r.StartLine
		}
		if r.EndLine > end {
			end = r.EndLine
		}
	}
	if len(parts) == 0 {
		return Chunk{}, false
	}
	content := strings.Join(parts, "\n")
	return Chunk{
		ID:           DeterministicID(codebaseID, filePath, start, end, KindImportBlock),
		CodebaseID:   codebaseID,
		FilePath:     filePath,
		Language:     lang,
		Kind:         KindImportBlock,
		Name:         "imports",
		StartLine:    start,
		EndLine:      end,
		Content:      content,
		Dependencies: imports,
		Tokens:       c.CountTokens(content),
	}, true
}

func (c *Chunker) preamble(codebaseID uuid.UUID, filePath string, lang parser.Language, lines []string, regions []parser.Region) (Chunk, bool) {
	first := 0
	for _, r := range regions {
		if r.Kind == parser.KindImport {
			continue
		}
		start := r.StartLine
		// 直前のドキュメントコメントは領域側のチャンクに取り込まれる
		if r.DocComment != "" && !strings.Contains(r.Content, r.DocComment) {
			start -= strings.Count(r.DocComment, "\n") + 1
		}
		if start < 1 {
			start = 1
		}
		if first == 0 || start < first {
			first = start
		}
	}
	if first <= 1 {
		return Chunk{}, false
	}

	end := first - 1
	if end > len(lines) {
		end = len(lines)
	}
	content := strings.Join(lines[:end], "\n")
	if strings.TrimSpace(content) == "" {
		return Chunk{}, false
	}
	tokens := c.CountTokens(content)
	if tokens > c.maxTokens {
		content = c.truncateAtLineBoundary(content, c.maxTokens)
		tokens = c.CountTokens(content)
	}
	return Chunk{
		ID:         DeterministicID(codebaseID, filePath, 1, end, KindModule),
		CodebaseID: codebaseID,
		FilePath:   filePath,
		Language:   lang,
		Kind:       KindModule,
		Name:       "module",
		StartLine:  1,
		EndLine:    end,
		Content:    content,
		Tokens:     tokens,
	}, true
}

// classChunks はクラス領域をチャンク化する。上限に収まるクラスは1チャンク、
// 収まらないクラスはメソッド単位に分割し、クラス宣言部を別チャンクにする。
func (c *Chunker) classChunks(codebaseID uuid.UUID, filePath string, lang parser.Language, class parser.Region, regions []parser.Region, splitClasses map[string]bool) []Chunk {
	if !splitClasses[class.Name] {
		return []Chunk{c.newChunk(codebaseID, filePath, lang, KindClass, class, class.Content)}
	}

	var chunks []Chunk
	headerEnd := class.EndLine
	for _, r := range regions {
		if (r.Kind == parser.KindMethod || r.Kind == parser.KindFunction) &&
			r.ParentClass == class.Name && withinRange(r, class) {
			if r.StartLine-1 < headerEnd {
				headerEnd = r.StartLine - 1
			}
			chunks = append(chunks, c.callableChunks(codebaseID, filePath, lang, r)...)
		}
	}

	// フィールドやシグネチャだけのクラス宣言部
	if headerEnd >= class.StartLine {
		classLines := strings.Split(class.Content, "\n")
		n := headerEnd - class.StartLine + 1
		if n > len(classLines) {
			n = len(classLines)
		}
		header := class
		header.EndLine = class.StartLine + n - 1
		headerContent := strings.Join(classLines[:n], "\n")
		if strings.TrimSpace(headerContent) != "" {
			if c.CountTokens(headerContent) > c.maxTokens {
				headerContent = c.truncateAtLineBoundary(headerContent, c.maxTokens)
			}
			chunks = append(chunks, c.newChunk(codebaseID, filePath, lang, KindClass, header, headerContent))
		}
	}
	return chunks
}

// callableChunks は関数・メソッド領域をチャンク化する。
// 上限を超える場合は行境界でウィンドウ分割する。
func (c *Chunker) callableChunks(codebaseID uuid.UUID, filePath string, lang parser.Language, r parser.Region) []Chunk {
	content := r.Content
	start := r.StartLine

	// 直前のコメントをドキュメントとして本体に含める
	if r.DocComment != "" && !strings.Contains(content, r.DocComment) {
		docLines := strings.Count(r.DocComment, "\n") + 1
		content = r.DocComment + "\n" + content
		start -= docLines
		if start < 1 {
			start = 1
		}
	}

	tokens := c.CountTokens(content)

	kind := KindFunction
	if r.Kind == parser.KindMethod {
		kind = KindMethod
	}

	if tokens <= c.maxTokens {
		adjusted := r
		adjusted.StartLine = start
		return []Chunk{c.newChunk(codebaseID, filePath, lang, kind, adjusted, content)}
	}

	lines := strings.Split(content, "\n")
	chunks := c.windowChunks(codebaseID, filePath, lang, lines, start, kind, r.Name, r.ParentClass)
	for i := range chunks {
		chunks[i].DocComment = r.DocComment
	}
	return chunks
}

func (c *Chunker) newChunk(codebaseID uuid.UUID, filePath string, lang parser.Language, kind Kind, r parser.Region, content string) Chunk {
	return Chunk{
		ID:          DeterministicID(codebaseID, filePath, r.StartLine, r.EndLine, kind),
		CodebaseID:  codebaseID,
		FilePath:    filePath,
		Language:    lang,
		Kind:        kind,
		Name:        r.Name,
		ParentClass: r.ParentClass,
		StartLine:   r.StartLine,
		EndLine:     r.EndLine,
		Content:     content,
		DocComment:  r.DocComment,
		Tokens:      c.CountTokens(content),
	}
}

// windowChunks は行単位のスライディングウィンドウで分割する。
// 構造を持たない内容のフォールバックと、巨大な関数の分割に使う。
func (c *Chunker) windowChunks(codebaseID uuid.UUID, filePath string, lang parser.Language, lines []string, baseLine int, kind Kind, name, parentClass string) []Chunk {
	var chunks []Chunk
	var current []string
	startIdx := 0

	flush := func(endIdx int) {
		content := strings.Join(current, "\n")
		tokens := c.CountTokens(content)
		if tokens == 0 || strings.TrimSpace(content) == "" {
			return
		}
		startLine := baseLine + startIdx
		endLine := baseLine + endIdx
		chunks = append(chunks, Chunk{
			ID:          DeterministicID(codebaseID, filePath, startLine, endLine, kind),
			CodebaseID:  codebaseID,
			FilePath:    filePath,
			Language:    lang,
			Kind:        kind,
			Name:        name,
			ParentClass: parentClass,
			StartLine:   startLine,
			EndLine:     endLine,
			Content:     content,
			Tokens:      tokens,
		})
	}

	for i, line := range lines {
		current = append(current, line)
		if c.CountTokens(strings.Join(current, "\n")) >= c.targetTokens {
			flush(i)

			overlap := c.overlapLines(current)
			if overlap > 0 && overlap < len(current) {
				current = append([]string(nil), current[len(current)-overlap:]...)
				startIdx = i + 1 - overlap
			} else {
				current = nil
				startIdx = i + 1
			}
		}
	}
	if len(current) > 0 {
		flush(len(lines) - 1)
	}
	return chunks
}

func withinRange(r, class parser.Region) bool {
	return r.StartLine >= class.StartLine && r.EndLine <= class.EndLine
}

// containedInClass はメソッド領域がいずれかのクラス領域の内側にあるか判定する。
func containedInClass(r parser.Region, regions []parser.Region) bool {
	if r.ParentClass == "" {
		return false
	}
	for _, cls := range regions {
		if cls.Kind == parser.KindClass && cls.Name == r.ParentClass && withinRange(r, cls) {
			return true
		}
	}
	return false
}

// overlapLines は後ろから数えてオーバーラップトークン数に達する行数を返す。
func (c *Chunker) overlapLines(lines []string) int {
	var total int
	for i := len(lines) - 1; i >= 0; i-- {
		total += c.CountTokens(lines[i])
		if total >= c.overlapTokens {
			return len(lines) - i
		}
	}
	return len(lines)
}

// truncateAtLineBoundary はトークン上限に収まるよう行境界で切り詰める。
func (c *Chunker) truncateAtLineBoundary(content string, maxTokens int) string {
	if c.CountTokens(content) <= maxTokens {
		return content
	}
	lines := strings.Split(content, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n")
		if c.CountTokens(candidate) <= maxTokens {
			return candidate
		}
	}
	return lines[0]
}
