package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/jinford/repochat/internal/core/ingest"
	"github.com/jinford/repochat/internal/core/retry"
)

// Client は Git リポジトリの取得を提供する。クローンは深さ1の
// 単一ブランチで行い、一時的な失敗はリトライポリシーに従って
// やり直す。
type Client struct {
	sshKeyPath  string
	sshPassword string
	policy      retry.Policy
	logger      *slog.Logger
	progress    io.Writer
}

// Option は Client のオプション設定
type Option func(*Client)

// WithSSHKey はSSH認証に使う鍵を設定する
func WithSSHKey(keyPath, password string) Option {
	return func(c *Client) {
		c.sshKeyPath = keyPath
		c.sshPassword = password
	}
}

// WithRetryPolicy はクローンのリトライポリシーを設定する
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は新しい Client を作成する
func NewClient(opts ...Option) *Client {
	c := &Client{
		policy:   retry.Default(),
		logger:   slog.Default(),
		progress: io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ ingest.Cloner = (*Client)(nil)

// Clone はリポジトリを destDir へ浅くクローンする。branch が空の
// 場合はリモートのデフォルトブランチを使う。
func (c *Client) Clone(ctx context.Context, url, branch, destDir string) error {
	auth, err := c.getSSHAuth()
	if err != nil {
		return fmt.Errorf("setup SSH auth: %w", err)
	}

	opts := &git.CloneOptions{
		URL:          url,
		Auth:         auth,
		Depth:        1,
		SingleBranch: true,
		Progress:     c.progress,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	attempt := 0
	err = c.policy.Do(ctx, func() error {
		attempt++
		if attempt > 1 {
			c.logger.Warn("クローンを再試行",
				slog.String("url", url),
				slog.Int("attempt", attempt),
			)
			// 失敗したクローンの残骸の上には再クローンできない
			if err := os.RemoveAll(destDir); err != nil {
				return err
			}
			if err := os.MkdirAll(destDir, 0o755); err != nil {
				return err
			}
		}
		_, cloneErr := git.PlainCloneContext(ctx, destDir, false, opts)
		return cloneErr
	}, transientCloneError)
	if err != nil {
		return fmt.Errorf("clone repository: %w", err)
	}
	return nil
}

// transientCloneError は再試行する価値のある失敗かを判定する。
func transientCloneError(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return false
	}
	return true
}

func (c *Client) getSSHAuth() (*ssh.PublicKeys, error) {
	if c.sshKeyPath == "" {
		return nil, nil
	}
	if _, err := os.Stat(c.sshKeyPath); os.IsNotExist(err) {
		return nil, nil
	}

	auth, err := ssh.NewPublicKeysFromFile("git", c.sshKeyPath, c.sshPassword)
	if err != nil {
		return nil, fmt.Errorf("load SSH key: %w", err)
	}
	return auth, nil
}
