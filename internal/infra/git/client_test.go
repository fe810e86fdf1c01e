package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/repochat/internal/core/retry"
)

// initLocalRepo はコミット1件を持つローカルリポジトリを作る。
func initLocalRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("main.go")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return dir
}

func TestClient_CloneLocalRepo(t *testing.T) {
	src := initLocalRepo(t)
	dest := filepath.Join(t.TempDir(), "clone")

	c := NewClient()
	require.NoError(t, c.Clone(context.Background(), src, "", dest))

	_, err := os.Stat(filepath.Join(dest, "main.go"))
	assert.NoError(t, err)
}

func TestClient_CloneMissingRepoFailsFast(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "clone")

	// 恒久的な失敗はリトライせずすぐ返る
	c := NewClient(WithRetryPolicy(retry.Policy{
		Initial:    time.Millisecond,
		Multiplier: 2,
		MaxBackoff: 10 * time.Millisecond,
		Budget:     time.Second,
	}))

	start := time.Now()
	err := c.Clone(context.Background(), filepath.Join(t.TempDir(), "missing"), "", dest)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTransientCloneError(t *testing.T) {
	assert.False(t, transientCloneError(context.Canceled))
	assert.True(t, transientCloneError(assert.AnError))
}
