package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// RegionKind は抽出されたコード領域の種別を表す。
type RegionKind string

const (
	KindFunction RegionKind = "function"
	KindMethod   RegionKind = "method"
	KindClass    RegionKind = "class"
	KindImport   RegionKind = "import"
)

// Region はソースファイルから抽出した意味的なまとまりを表す。
// 行番号は1始まりで両端を含む。
type Region struct {
	Kind        RegionKind
	Name        string
	ParentClass string
	StartLine   int
	EndLine     int
	Content     string
	DocComment  string
}

// Result はファイル1件の解析結果を表す。
type Result struct {
	Language     Language
	Regions      []Region
	Imports      []string
	SyntaxErrors int
}

// langSpec は言語ごとのノード種別の対応を定義する。
type langSpec struct {
	language      func() *sitter.Language
	functionTypes map[string]bool
	classTypes    map[string]bool
	importTypes   map[string]bool
	commentTypes  map[string]bool
}

var langSpecs = map[Language]langSpec{
	LangGo: {
		language:      golang.GetLanguage,
		functionTypes: set("function_declaration", "method_declaration"),
		classTypes:    set("type_declaration"),
		importTypes:   set("import_declaration"),
		commentTypes:  set("comment"),
	},
	LangPython: {
		language:      python.GetLanguage,
		functionTypes: set("function_definition"),
		classTypes:    set("class_definition"),
		importTypes:   set("import_statement", "import_from_statement"),
		commentTypes:  set("comment"),
	},
	LangJavaScript: {
		language:      javascript.GetLanguage,
		functionTypes: set("function_declaration", "generator_function_declaration", "method_definition"),
		classTypes:    set("class_declaration"),
		importTypes:   set("import_statement"),
		commentTypes:  set("comment"),
	},
	LangTypeScript: {
		language:      typescript.GetLanguage,
		functionTypes: set("function_declaration", "generator_function_declaration", "method_definition"),
		classTypes:    set("class_declaration", "interface_declaration", "enum_declaration"),
		importTypes:   set("import_statement"),
		commentTypes:  set("comment"),
	},
	LangJava: {
		language:      java.GetLanguage,
		functionTypes: set("method_declaration", "constructor_declaration"),
		classTypes:    set("class_declaration", "interface_declaration", "enum_declaration", "record_declaration"),
		importTypes:   set("import_declaration"),
		commentTypes:  set("line_comment", "block_comment"),
	},
	LangRust: {
		language:      rust.GetLanguage,
		functionTypes: set("function_item"),
		classTypes:    set("struct_item", "enum_item", "trait_item", "impl_item"),
		importTypes:   set("use_declaration"),
		commentTypes:  set("line_comment", "block_comment"),
	},
	LangC: {
		language:      c.GetLanguage,
		functionTypes: set("function_definition"),
		classTypes:    set("struct_specifier", "enum_specifier"),
		importTypes:   set("preproc_include"),
		commentTypes:  set("comment"),
	},
	LangCPP: {
		language:      cpp.GetLanguage,
		functionTypes: set("function_definition"),
		classTypes:    set("class_specifier", "struct_specifier", "enum_specifier"),
		importTypes:   set("preproc_include"),
		commentTypes:  set("comment"),
	},
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Parser はtree-sitterで複数言語のソースを解析し Region を抽出する。
// 構文エラーを含むファイルでも解析可能な範囲で結果を返す。
type Parser struct {
	logger *slog.Logger
}

// Option は Parser の動作を変更する。
type Option func(*Parser)

// WithLogger はロガーを差し替える。
func WithLogger(logger *slog.Logger) Option {
	return func(p *Parser) {
		p.logger = logger
	}
}

// New は Parser を生成する。
func New(opts ...Option) *Parser {
	p := &Parser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse は content を lang として解析する。tree-sitterのパーサは
// 並行利用できないため呼び出しごとに生成する。
func (p *Parser) Parse(ctx context.Context, lang Language, filePath string, content []byte) (*Result, error) {
	spec, ok := langSpecs[lang]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
	}

	tsParser := sitter.NewParser()
	defer tsParser.Close()
	tsParser.SetLanguage(spec.language())

	tree, err := tsParser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	result := &Result{Language: lang}
	if root.HasError() {
		result.SyntaxErrors = countErrorNodes(root)
		p.logger.Warn("構文エラーを含むファイルを解析",
			slog.String("path", filePath),
			slog.Int("error_count", result.SyntaxErrors),
		)
	}

	w := &walker{spec: spec, lang: lang, content: content}
	w.walk(root, "")
	result.Regions = w.regions
	result.Imports = w.imports
	return result, nil
}

type walker struct {
	spec    langSpec
	lang    Language
	content []byte
	regions []Region
	imports []string
}

func (w *walker) walk(node *sitter.Node, parentClass string) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		nodeType := child.Type()

		switch {
		case w.spec.importTypes[nodeType]:
			w.addImport(child)
			continue
		case w.spec.functionTypes[nodeType]:
			w.addCallable(child, parentClass)
			continue
		case w.spec.classTypes[nodeType]:
			w.addClass(child, parentClass)
			continue
		}

		// decorated_definition（python）等のラッパーや名前空間を透過する
		w.walk(child, parentClass)
	}
}

func (w *walker) addCallable(node *sitter.Node, parentClass string) {
	name := w.callableName(node)
	if name == "" {
		return
	}

	kind := KindFunction
	if node.Type() == "method_declaration" && w.lang == LangGo {
		kind = KindMethod
		if recv := w.goReceiverType(node); recv != "" {
			parentClass = recv
		}
	} else if parentClass != "" {
		kind = KindMethod
	}

	w.regions = append(w.regions, Region{
		Kind:        kind,
		Name:        name,
		ParentClass: parentClass,
		StartLine:   startLine(node),
		EndLine:     endLine(node),
		Content:     node.Content(w.content),
		DocComment:  w.docComment(node),
	})
}

func (w *walker) addClass(node *sitter.Node, parentClass string) {
	name := w.className(node)
	if name == "" {
		// 無名のstruct/enum等はスキップし、内部は親の文脈のまま辿る
		w.walk(node, parentClass)
		return
	}

	w.regions = append(w.regions, Region{
		Kind:        KindClass,
		Name:        name,
		ParentClass: parentClass,
		StartLine:   startLine(node),
		EndLine:     endLine(node),
		Content:     node.Content(w.content),
		DocComment:  w.docComment(node),
	})

	// クラス本体のメソッドは親クラス名付きで抽出する
	w.walk(node, name)
}

func (w *walker) addImport(node *sitter.Node) {
	w.regions = append(w.regions, Region{
		Kind:      KindImport,
		Name:      "import",
		StartLine: startLine(node),
		EndLine:   endLine(node),
		Content:   node.Content(w.content),
	})
	w.imports = append(w.imports, extractImportRefs(node, w.content)...)
}

// callableName は関数・メソッドノードから名前を取り出す。
// C/C++ は declarator の中に識別子が埋まっているため掘り下げる。
func (w *walker) callableName(node *sitter.Node) string {
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(w.content)
	}
	if declarator := node.ChildByFieldName("declarator"); declarator != nil {
		if id := findIdentifier(declarator, w.content); id != "" {
			return id
		}
	}
	return ""
}

// goReceiverType はGoのメソッド宣言からレシーバの型名を取り出す。
func (w *walker) goReceiverType(node *sitter.Node) string {
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	var typeName string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if typeName != "" {
			return
		}
		if n.Type() == "type_identifier" {
			typeName = n.Content(w.content)
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(recv)
	return typeName
}

func (w *walker) className(node *sitter.Node) string {
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(w.content)
	}
	// rust の impl ブロックは対象型を名前として扱う
	if typeNode := node.ChildByFieldName("type"); typeNode != nil {
		return typeNode.Content(w.content)
	}
	// go の type_declaration は type_spec の下に名前を持つ
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "type_spec" {
			if nameNode := child.ChildByFieldName("name"); nameNode != nil {
				return nameNode.Content(w.content)
			}
		}
	}
	return ""
}

// docComment はノード直前に隣接するコメント行をまとめて返す。
// pythonの場合は本体先頭のdocstringを優先する。
func (w *walker) docComment(node *sitter.Node) string {
	if w.lang == LangPython {
		if doc := pythonDocstring(node, w.content); doc != "" {
			return doc
		}
	}

	var lines []string
	expected := startLine(node) - 1
	for prev := node.PrevSibling(); prev != nil; prev = prev.PrevSibling() {
		if !w.spec.commentTypes[prev.Type()] || endLine(prev) != expected {
			break
		}
		lines = append([]string{prev.Content(w.content)}, lines...)
		expected = startLine(prev) - 1
	}
	return strings.Join(lines, "\n")
}

func pythonDocstring(node *sitter.Node, content []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	if expr := first.NamedChild(0); expr.Type() == "string" {
		return expr.Content(content)
	}
	return ""
}

func findIdentifier(node *sitter.Node, content []byte) string {
	switch node.Type() {
	case "identifier", "field_identifier", "qualified_identifier", "destructor_name", "operator_name":
		return node.Content(content)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if id := findIdentifier(node.Child(i), content); id != "" {
			return id
		}
	}
	return ""
}

// extractImportRefs はimportノードから参照先モジュール名を取り出す。
func extractImportRefs(node *sitter.Node, content []byte) []string {
	var refs []string
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "interpreted_string_literal", "string", "string_literal", "system_lib_string":
			refs = append(refs, strings.Trim(n.Content(content), `"'<>`+"`"))
			return
		case "dotted_name", "scoped_identifier", "scoped_use_list", "use_wildcard":
			refs = append(refs, n.Content(content))
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			walk(n.Child(i))
		}
	}
	walk(node)
	return refs
}

func countErrorNodes(node *sitter.Node) int {
	count := 0
	if node.Type() == "ERROR" {
		count++
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		count += countErrorNodes(node.Child(i))
	}
	return count
}

func startLine(node *sitter.Node) int {
	return int(node.StartPoint().Row) + 1
}

func endLine(node *sitter.Node) int {
	return int(node.EndPoint().Row) + 1
}
