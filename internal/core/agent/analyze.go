package agent

import (
	"regexp"
	"strings"

	"github.com/jinford/repochat/internal/core/retrieval"
)

// analysis はクエリ解析の結果を表す。
type analysis struct {
	filters retrieval.Filters
}

var (
	fileMentionRe = regexp.MustCompile(`\b[\w./-]+\.(?:go|py|pyi|js|jsx|mjs|cjs|ts|tsx|java|rs|c|h|cc|cpp|cxx|hpp|hh)\b`)
	identifierRe  = regexp.MustCompile(`\b(?:[A-Za-z][a-z0-9]*(?:[A-Z][A-Za-z0-9]*)+|[A-Za-z][A-Za-z0-9]*_[A-Za-z0-9_]+)\b`)
	languageCueRe = regexp.MustCompile(`(?i)\b(?:in|for|within)\s+(python|golang|go|typescript|javascript|java|rust|c\+\+|cpp|c)\b`)
)

// bareLanguageCues は長い語から順に照合する。"javascript" が
// "java" として解釈されるのを防ぐ。
var bareLanguageCues = []struct {
	cue  string
	lang string
}{
	{"javascript", "javascript"},
	{"typescript", "typescript"},
	{"python", "python"},
	{"golang", "go"},
	{"java", "java"},
	{"rust", "rust"},
}

var languageAliases = map[string]string{
	"python":     "python",
	"golang":     "go",
	"go":         "go",
	"typescript": "typescript",
	"javascript": "javascript",
	"java":       "java",
	"rust":       "rust",
	"c++":        "cpp",
	"cpp":        "cpp",
	"c":          "c",
}

// analyzeQuery は自然文のクエリから絞り込み条件とヒント語を抽出する。
// 抽出に自信が持てない場合はフィルタを設定せず、検索を広く保つ。
func analyzeQuery(query string) analysis {
	var f retrieval.Filters
	lower := strings.ToLower(query)

	// 明示的なファイル言及は最優先のフィルタになる
	if file := fileMentionRe.FindString(query); file != "" {
		f.FilePath = file
		f.Hints = append(f.Hints, file)
	}

	if m := languageCueRe.FindStringSubmatch(lower); m != nil {
		f.Language = languageAliases[m[1]]
	} else {
		for _, c := range bareLanguageCues {
			if strings.Contains(lower, c.cue) {
				f.Language = c.lang
				break
			}
		}
	}

	f.ChunkKind = chunkKindCue(lower)

	// 識別子らしい語は疎検索側のヒントとして渡す
	for _, ident := range identifierRe.FindAllString(query, 8) {
		if ident == f.FilePath {
			continue
		}
		f.Hints = append(f.Hints, ident)
	}

	return analysis{filters: f}
}

func chunkKindCue(lower string) string {
	switch {
	case strings.Contains(lower, "import") || strings.Contains(lower, "dependenc"):
		return "import-block"
	case strings.Contains(lower, "class ") || strings.Contains(lower, "struct "):
		return "class"
	case strings.Contains(lower, "method "):
		return "method"
	}
	return ""
}
