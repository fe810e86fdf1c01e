package parser

import (
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

// Language はパーサが対応するプログラミング言語を表す。
type Language string

const (
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangJava       Language = "java"
	LangRust       Language = "rust"
	LangC          Language = "c"
	LangCPP        Language = "cpp"
)

var extToLanguage = map[string]Language{
	".go":   LangGo,
	".py":   LangPython,
	".pyi":  LangPython,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".ts":   LangTypeScript,
	".tsx":  LangTypeScript,
	".java": LangJava,
	".rs":   LangRust,
	".c":    LangC,
	".cpp":  LangCPP,
	".cc":   LangCPP,
	".cxx":  LangCPP,
	".hpp":  LangCPP,
	".hh":   LangCPP,
}

var enryNameToLanguage = map[string]Language{
	"Go":         LangGo,
	"Python":     LangPython,
	"JavaScript": LangJavaScript,
	"TypeScript": LangTypeScript,
	"Java":       LangJava,
	"Rust":       LangRust,
	"C":          LangC,
	"C++":        LangCPP,
}

// DetectLanguage はパスと内容から言語を判定する。
// overrides は拡張子（".foo" 形式）から言語への明示的な対応付けで、
// 組み込みの対応表より優先される。判定できない場合は ok=false を返す。
func DetectLanguage(path string, content []byte, overrides map[string]Language) (Language, bool) {
	ext := strings.ToLower(filepath.Ext(path))

	if overrides != nil {
		if lang, ok := overrides[ext]; ok {
			return lang, true
		}
	}

	// .h はCとC++で共有されるため enry の判定に委ねる
	if ext != ".h" {
		if lang, ok := extToLanguage[ext]; ok {
			return lang, true
		}
	}

	name := enry.GetLanguage(filepath.Base(path), content)
	if lang, ok := enryNameToLanguage[name]; ok {
		return lang, true
	}
	if ext == ".h" {
		return LangC, true
	}
	return "", false
}

// IsBinary は内容がバイナリかどうかを判定する。
func IsBinary(content []byte) bool {
	return enry.IsBinary(content)
}
