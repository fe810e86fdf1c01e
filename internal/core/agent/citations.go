package agent

import (
	"regexp"
	"strconv"

	"github.com/jinford/repochat/internal/core/retrieval"
	"github.com/jinford/repochat/internal/core/session"
)

// citationRe は「path/to/file.go:10-20」「file.py:42」形式の引用を拾う。
var citationRe = regexp.MustCompile(`([\w./-]+\.[\w]+):(\d+)(?:\s*-\s*(\d+))?`)

// extractCitations は回答本文から引用を抽出し、検索結果の行範囲に
// 収まるものだけを返す。検索結果が空なら引用はすべて破棄される。
func extractCitations(text string, results []retrieval.Result) []session.Citation {
	if len(results) == 0 {
		return nil
	}

	var citations []session.Citation
	seen := map[string]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		path := m[1]
		start, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		end := start
		if m[3] != "" {
			if end, err = strconv.Atoi(m[3]); err != nil {
				continue
			}
		}
		if end < start {
			continue
		}

		r, ok := matchResult(path, start, end, results)
		if !ok {
			continue
		}

		key := path + ":" + m[2] + "-" + strconv.Itoa(end)
		if seen[key] {
			continue
		}
		seen[key] = true

		citations = append(citations, session.Citation{
			FilePath:   path,
			StartLine:  start,
			EndLine:    end,
			Confidence: r.Score,
			Snippet:    r.Snippet,
		})
	}
	return citations
}

// matchResult は引用範囲を完全に含む検索結果を探す。
func matchResult(path string, start, end int, results []retrieval.Result) (retrieval.Result, bool) {
	for _, r := range results {
		if r.Chunk.FilePath != path {
			continue
		}
		if start >= r.Chunk.StartLine && end <= r.Chunk.EndLine {
			return r, true
		}
	}
	return retrieval.Result{}, false
}
