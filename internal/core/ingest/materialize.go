package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	giturls "github.com/whilp/git-urls"

	"github.com/jinford/repochat/internal/core/parser"
)

var (
	// ErrOriginTooLarge はアーカイブが上限サイズを超えた場合に返る。
	ErrOriginTooLarge = errors.New("origin exceeds size limit")
	// ErrUnsupportedOrigin は扱えない取り込み元が指定された場合に返る。
	ErrUnsupportedOrigin = errors.New("unsupported origin")
)

// ManifestEntry は取り込み対象ファイル1件を表す。
// Language は未対応の言語では空になる。
type ManifestEntry struct {
	Path     string          `json:"path"`
	Size     int64           `json:"size"`
	Language parser.Language `json:"language,omitempty"`
}

var supportedArchiveExts = []string{".zip", ".tar.gz", ".tgz"}

// validateArchive はアーカイブの存在・サイズ・拡張子を検査する。
func validateArchive(path string, maxBytes int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrUnsupportedOrigin, path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrOriginTooLarge, info.Size(), maxBytes)
	}

	lower := strings.ToLower(path)
	for _, ext := range supportedArchiveExts {
		if strings.HasSuffix(lower, ext) {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown archive format %s", ErrUnsupportedOrigin, filepath.Ext(path))
}

// validateRemote はリモートURLの構文とスキームを検査する。
func validateRemote(rawURL string) error {
	u, err := giturls.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedOrigin, err)
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git", "file":
		return nil
	}
	return fmt.Errorf("%w: scheme %q", ErrUnsupportedOrigin, u.Scheme)
}

// defaultIgnorePatterns は .gitignore に加えて常に適用する除外パターン。
var defaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	"vendor/",
	"dist/",
	"build/",
	"target/",
	"__pycache__/",
	".venv/",
	"venv/",
	"*.min.js",
	"*.lock",
	"*.log",
}

// ignoreFilter は .gitignore とデフォルトパターンによる除外判定を行う。
type ignoreFilter struct {
	matcher *gitignore.GitIgnore
}

func newIgnoreFilter(rootDir string) *ignoreFilter {
	patterns := make([]string, 0, len(defaultIgnorePatterns))
	patterns = append(patterns, defaultIgnorePatterns...)

	data, err := os.ReadFile(filepath.Join(rootDir, ".gitignore"))
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	}

	return &ignoreFilter{matcher: gitignore.CompileIgnoreLines(patterns...)}
}

func (f *ignoreFilter) shouldIgnore(relPath string) bool {
	return f.matcher.MatchesPath(relPath)
}

// buildManifest は srcDir を走査して取り込み対象ファイルの一覧を作る。
// 除外パターンに一致するファイル、バイナリ、perFileMax を超える
// ファイルはスキップする。結果はパス昇順で返る。
func buildManifest(srcDir string, perFileMax int64, overrides map[string]parser.Language) ([]ManifestEntry, int64, error) {
	filter := newIgnoreFilter(srcDir)

	var entries []ManifestEntry
	var totalBytes int64

	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, relErr := filepath.Rel(srcDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && filter.shouldIgnore(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if filter.shouldIgnore(rel) {
			ingMetrics.filesSkipped.Inc()
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		if perFileMax > 0 && info.Size() > perFileMax {
			ingMetrics.filesSkipped.Inc()
			return nil
		}

		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read %s: %w", rel, readErr)
		}
		if parser.IsBinary(content) {
			ingMetrics.filesSkipped.Inc()
			return nil
		}

		lang, _ := parser.DetectLanguage(rel, content, overrides)
		entries = append(entries, ManifestEntry{
			Path:     rel,
			Size:     info.Size(),
			Language: lang,
		})
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk source tree: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, totalBytes, nil
}

// languageBreakdown はマニフェストから主要言語と言語一覧を算出する。
func languageBreakdown(entries []ManifestEntry) (primary string, all []string) {
	counts := map[parser.Language]int{}
	for _, e := range entries {
		if e.Language == "" {
			continue
		}
		counts[e.Language]++
	}

	best := 0
	for lang, n := range counts {
		all = append(all, string(lang))
		if n > best || (n == best && string(lang) < primary) {
			primary = string(lang)
			best = n
		}
	}
	sort.Strings(all)
	return primary, all
}
