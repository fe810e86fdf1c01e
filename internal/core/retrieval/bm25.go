package retrieval

import (
	"math"
	"strings"
	"unicode"
)

// BM25のパラメータ。一般的な既定値をそのまま使う。
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true,
	"to": true, "is": true, "are": true, "and": true, "or": true, "for": true,
	"with": true, "how": true, "what": true, "where": true, "does": true,
	"do": true, "this": true, "that": true, "it": true, "be": true,
}

// tokenize はコード検索向けにテキストをトークン化する。
// 識別子は区切り文字とcamelCase境界の両方で分割し、元の識別子も残す。
func tokenize(text string) []string {
	var tokens []string

	var word []rune
	flush := func() {
		if len(word) == 0 {
			return
		}
		ident := string(word)
		word = word[:0]

		lower := strings.ToLower(ident)
		if len(lower) < 2 || stopwords[lower] {
			return
		}
		tokens = append(tokens, lower)

		// camelCase / snake_case の部分語も索引する
		for _, part := range splitIdentifier(ident) {
			if part != lower && len(part) >= 2 && !stopwords[part] {
				tokens = append(tokens, part)
			}
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			word = append(word, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func splitIdentifier(ident string) []string {
	var parts []string
	var cur []rune
	runes := []rune(ident)
	for i, r := range runes {
		boundary := r == '_' ||
			(unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))))
		if boundary {
			if len(cur) > 0 {
				parts = append(parts, strings.ToLower(string(cur)))
				cur = cur[:0]
			}
			if r == '_' {
				continue
			}
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		parts = append(parts, strings.ToLower(string(cur)))
	}
	return parts
}

// bm25Scores は候補文書集合に対するクエリのBM25スコアを返す。
// 文書集合は検索候補に限られるため、統計はその場で計算する。
func bm25Scores(queryTokens []string, docs [][]string) []float64 {
	n := len(docs)
	scores := make([]float64, n)
	if n == 0 || len(queryTokens) == 0 {
		return scores
	}

	docFreq := make(map[string]int)
	termFreqs := make([]map[string]int, n)
	var totalLen float64
	for i, doc := range docs {
		tf := make(map[string]int, len(doc))
		for _, tok := range doc {
			tf[tok]++
		}
		termFreqs[i] = tf
		totalLen += float64(len(doc))

		seen := make(map[string]bool, len(tf))
		for tok := range tf {
			if !seen[tok] {
				docFreq[tok]++
				seen[tok] = true
			}
		}
	}
	avgLen := totalLen / float64(n)
	if avgLen == 0 {
		return scores
	}

	for _, q := range queryTokens {
		df := docFreq[q]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for i := range docs {
			tf := float64(termFreqs[i][q])
			if tf == 0 {
				continue
			}
			denom := tf + bm25K1*(1-bm25B+bm25B*float64(len(docs[i]))/avgLen)
			scores[i] += idf * (tf * (bm25K1 + 1)) / denom
		}
	}
	return scores
}

// minMaxNormalize はスコアを [0,1] に正規化する。
// 全要素が同値の場合はすべて0になる。
func minMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	if max == min {
		return out
	}
	for i, s := range scores {
		out[i] = (s - min) / (max - min)
	}
	return out
}
