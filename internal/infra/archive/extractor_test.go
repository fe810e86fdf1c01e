package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func writeTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.tar.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return path
}

func TestExtractor_Zip(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"main.go":        "package main\n",
		"pkg/util/io.go": "package util\n",
	})
	dest := t.TempDir()

	e := NewExtractor()
	require.NoError(t, e.Extract(context.Background(), archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "pkg", "util", "io.go"))
	require.NoError(t, err)
	assert.Equal(t, "package util\n", string(data))
}

func TestExtractor_TarGz(t *testing.T) {
	archive := writeTarGz(t, map[string]string{
		"main.go": "package main\n",
	})
	dest := t.TempDir()

	e := NewExtractor()
	require.NoError(t, e.Extract(context.Background(), archive, dest))

	_, err := os.Stat(filepath.Join(dest, "main.go"))
	assert.NoError(t, err)
}

func TestExtractor_RejectsPathTraversal(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"../evil.go": "package evil\n",
	})
	dest := t.TempDir()

	e := NewExtractor()
	err := e.Extract(context.Background(), archive, dest)
	require.ErrorIs(t, err, ErrUnsafePath)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil.go"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractor_RejectsOversizedContents(t *testing.T) {
	big := make([]byte, 2048)
	archive := writeZip(t, map[string]string{"big.bin": string(big)})
	dest := t.TempDir()

	e := NewExtractor(WithMaxExtractedBytes(1024))
	err := e.Extract(context.Background(), archive, dest)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestExtractor_UnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "src.rar")
	require.NoError(t, os.WriteFile(path, []byte("not an archive"), 0o644))

	e := NewExtractor()
	err := e.Extract(context.Background(), path, t.TempDir())
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
