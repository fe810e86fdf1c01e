package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// SecretType は検出されるシークレットの種別を表す。
type SecretType string

const (
	TypeAWSAccessKey SecretType = "AWS_ACCESS_KEY"
	TypeAWSSecretKey SecretType = "AWS_SECRET_KEY"
	TypeAPIKey       SecretType = "API_KEY"
	TypeBearerToken  SecretType = "BEARER_TOKEN"
	TypeGitHubToken  SecretType = "GITHUB_TOKEN"
	TypeSlackToken   SecretType = "SLACK_TOKEN"
	TypePassword     SecretType = "PASSWORD"
	TypePrivateKey   SecretType = "PRIVATE_KEY"
	TypeJWT          SecretType = "JWT"
	TypeBasicAuthURL SecretType = "BASIC_AUTH_URL"
	TypeServiceAcct  SecretType = "SERVICE_ACCOUNT"
)

// Match は1件のシークレット検出結果を表す。
// Line は1始まり、StartCol / EndCol は行内のバイトオフセット。
type Match struct {
	Type     SecretType
	Line     int
	StartCol int
	EndCol   int
}

type pattern struct {
	typ SecretType
	re  *regexp.Regexp
}

// パターンは定義順に適用される。先に置換された範囲は後続パターンの対象外。
var patterns = []pattern{
	{TypePrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{TypeAWSAccessKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{TypeAWSSecretKey, regexp.MustCompile(`(?i)\baws[_-]?secret[_-]?(?:access[_-]?)?key['"]?\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}\b`)},
	{TypeGitHubToken, regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`)},
	{TypeSlackToken, regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`)},
	{TypeJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{TypeBearerToken, regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_.~+/-]{20,}=*`)},
	{TypeBasicAuthURL, regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@'"]+:[^/\s:@'"]+@[^\s'"]+`)},
	{TypeServiceAcct, regexp.MustCompile(`"type"\s*:\s*"service_account"`)},
	{TypeAPIKey, regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token|secret[_-]?token)['"]?\s*[:=]\s*['"][A-Za-z0-9_\-./+=]{16,}['"]`)},
	{TypePassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)['"]?\s*[:=]\s*['"][^'"\n]{8,}['"]`)},
}

// Scanner はソーステキストからシークレットを検出し、プレースホルダへ置換する。
type Scanner struct{}

// NewScanner は Scanner を生成する。
func NewScanner() *Scanner {
	return &Scanner{}
}

// Placeholder はシークレット種別に対応する置換文字列を返す。
func Placeholder(t SecretType) string {
	return fmt.Sprintf("[REDACTED_%s]", t)
}

// Scan は content を走査し、置換済みテキストと検出一覧を返す。
// 行単位で処理するため行数と改行位置は変化しない。既に置換済みの
// プレースホルダには反応しないので、再適用しても結果は変わらない。
func (s *Scanner) Scan(content string) (string, []Match) {
	if content == "" {
		return content, nil
	}

	keepTrailing := strings.HasSuffix(content, "\n")
	lines := strings.Split(content, "\n")
	if keepTrailing {
		lines = lines[:len(lines)-1]
	}

	var matches []Match
	for i, line := range lines {
		redacted, lineMatches := s.scanLine(line, i+1)
		lines[i] = redacted
		matches = append(matches, lineMatches...)
	}

	out := strings.Join(lines, "\n")
	if keepTrailing {
		out += "\n"
	}
	return out, matches
}

func (s *Scanner) scanLine(line string, lineNo int) (string, []Match) {
	var matches []Match
	for _, p := range patterns {
		offset := 0
		for offset < len(line) {
			loc := p.re.FindStringIndex(line[offset:])
			if loc == nil {
				break
			}
			start, end := offset+loc[0], offset+loc[1]
			if strings.Contains(line[start:end], "[REDACTED_") {
				offset = end
				continue
			}
			placeholder := Placeholder(p.typ)
			matches = append(matches, Match{
				Type:     p.typ,
				Line:     lineNo,
				StartCol: start,
				EndCol:   start + len(placeholder),
			})
			line = line[:start] + placeholder + line[end:]
			offset = start + len(placeholder)
		}
	}
	return line, matches
}

// FileSummary はファイル単位の検出集計を表す。
type FileSummary struct {
	FilePath string             `json:"file_path"`
	Counts   map[SecretType]int `json:"counts"`
}

// Summary は複数ファイルにまたがる検出集計を保持する。
type Summary struct {
	files map[string]map[SecretType]int
	total int
}

// NewSummary は空の Summary を生成する。
func NewSummary() *Summary {
	return &Summary{files: make(map[string]map[SecretType]int)}
}

// Add はファイルの検出結果を集計に加える。
func (sm *Summary) Add(filePath string, matches []Match) {
	if len(matches) == 0 {
		return
	}
	counts, ok := sm.files[filePath]
	if !ok {
		counts = make(map[SecretType]int)
		sm.files[filePath] = counts
	}
	for _, m := range matches {
		counts[m.Type]++
		sm.total++
	}
}

// Total は検出件数の合計を返す。
func (sm *Summary) Total() int {
	return sm.total
}

// Files はファイルパス順に整列した集計を返す。
func (sm *Summary) Files() []FileSummary {
	out := make([]FileSummary, 0, len(sm.files))
	for path, counts := range sm.files {
		c := make(map[SecretType]int, len(counts))
		for k, v := range counts {
			c[k] = v
		}
		out = append(out, FileSummary{FilePath: path, Counts: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}
