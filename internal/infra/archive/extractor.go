package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jinford/repochat/internal/core/ingest"
)

var (
	// ErrUnsafePath は展開先の外を指すエントリを検出した場合に返る。
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrTooLarge は展開後の合計サイズが上限を超えた場合に返る。
	ErrTooLarge = errors.New("archive contents exceed size limit")
	// ErrUnknownFormat は対応していないアーカイブ形式で返る。
	ErrUnknownFormat = errors.New("unknown archive format")
)

// DefaultMaxExtractedBytes は展開後サイズのデフォルト上限
const DefaultMaxExtractedBytes = 500 << 20

// Extractor は zip と tar.gz の展開を提供する。展開先の外を指す
// エントリは拒否し、展開後サイズに上限を設ける。
type Extractor struct {
	maxBytes int64
}

// Option は Extractor のオプション設定
type Option func(*Extractor)

// WithMaxExtractedBytes は展開後サイズの上限を設定する
func WithMaxExtractedBytes(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxBytes = n
		}
	}
}

// NewExtractor は新しい Extractor を作成する
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{maxBytes: DefaultMaxExtractedBytes}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ ingest.Extractor = (*Extractor)(nil)

// Extract はアーカイブを destDir へ展開する。形式は拡張子で判定する。
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return e.extractZip(ctx, archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return e.extractTarGz(ctx, archivePath, destDir)
	}
	return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(archivePath))
}

func (e *Extractor) extractZip(ctx context.Context, archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	var written int64
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
			continue
		}
		// シンボリックリンクは展開しない
		if f.FileInfo().Mode()&os.ModeSymlink != 0 {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		n, err := writeFile(target, rc, e.maxBytes-written)
		rc.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		written += n
	}
	return nil
}

func (e *Extractor) extractTarGz(ctx context.Context, archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		target, joinErr := safeJoin(destDir, hdr.Name)
		if joinErr != nil {
			return joinErr
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			n, err := writeFile(target, tr, e.maxBytes-written)
			if err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			written += n
		}
		// シンボリックリンクその他の型は無視する
	}
}

// safeJoin は base 配下に収まるパスだけを許す。
func safeJoin(base, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(base, cleaned), nil
}

func writeFile(target string, r io.Reader, remaining int64) (int64, error) {
	if remaining <= 0 {
		return 0, ErrTooLarge
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	// 上限+1バイトで打ち切って超過を検出する
	n, err := io.Copy(out, io.LimitReader(r, remaining+1))
	if err != nil {
		return n, err
	}
	if n > remaining {
		return n, ErrTooLarge
	}
	return n, nil
}
