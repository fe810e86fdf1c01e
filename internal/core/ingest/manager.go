package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/session"
	"github.com/jinford/repochat/internal/core/vectorstore"
)

// ErrNotRunning は実行中でない取り込みのキャンセルで返る。
var ErrNotRunning = errors.New("ingestion is not running")

// SubmitParams は取り込みの登録内容を表す。
type SubmitParams struct {
	Name        string
	Description string
	OriginKind  codebase.OriginKind
	OriginRef   string
	Branch      string
}

// running は実行中の取り込み1件を表す。
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager は取り込みの起動・キャンセル・削除を管理する。
// 削除はベクトル索引・セッション・ステージングを連鎖して消す。
type Manager struct {
	workflow *Workflow
	registry codebase.Registry
	store    vectorstore.Store
	sessions session.Store
	logger   *slog.Logger

	stagingRoot string

	mu   sync.Mutex
	runs map[uuid.UUID]*running
	wg   sync.WaitGroup
}

// ManagerOption は Manager の設定を変更する。
type ManagerOption func(*Manager)

// WithManagerLogger はロガーを差し替える。
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager は Manager を生成する。stagingRoot は Workflow と同じ
// ディレクトリを指す必要がある。
func NewManager(workflow *Workflow, registry codebase.Registry, store vectorstore.Store, sessions session.Store, stagingRoot string, opts ...ManagerOption) *Manager {
	m := &Manager{
		workflow:    workflow,
		registry:    registry,
		store:       store,
		sessions:    sessions,
		logger:      slog.Default(),
		stagingRoot: stagingRoot,
		runs:        map[uuid.UUID]*running{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit はコードベースを登録し、バックグラウンドで取り込みを開始する。
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (*codebase.Codebase, error) {
	cb := &codebase.Codebase{
		Name:        p.Name,
		Description: p.Description,
		OriginKind:  p.OriginKind,
		OriginRef:   p.OriginRef,
		Branch:      p.Branch,
	}
	if err := m.registry.Create(ctx, cb); err != nil {
		return nil, fmt.Errorf("register codebase: %w", err)
	}
	cb.StagingPath = filepath.Join(m.stagingRoot, cb.ID.String())

	m.start(cb.ID)
	return cb, nil
}

// Resume は未完了のコードベースの取り込みを再開する。
func (m *Manager) Resume(ctx context.Context, id uuid.UUID) error {
	cb, err := m.registry.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get codebase: %w", err)
	}
	if cb.Status == codebase.StatusCompleted {
		return nil
	}
	m.start(id)
	return nil
}

func (m *Manager) start(id uuid.UUID) {
	runCtx, cancel := context.WithCancel(context.Background())
	r := &running{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.runs[id] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		defer func() {
			m.mu.Lock()
			delete(m.runs, id)
			m.mu.Unlock()
		}()

		if err := m.workflow.Run(runCtx, id); err != nil {
			m.logger.Error("取り込みが失敗",
				slog.String("codebase_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Cancel は実行中の取り込みを中断する。
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.Lock()
	r, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.cancel()
	<-r.done
	return nil
}

// Delete はコードベースと関連データをすべて削除する。
// 実行中の取り込みは先に中断する。
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.Cancel(id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}

	if _, err := m.registry.Get(ctx, id); err != nil {
		return fmt.Errorf("get codebase: %w", err)
	}

	if err := m.store.DeleteByCodebase(ctx, id); err != nil {
		return fmt.Errorf("delete indexed chunks: %w", err)
	}
	if err := m.sessions.DeleteByCodebase(ctx, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("delete sessions: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(m.stagingRoot, id.String())); err != nil {
		return fmt.Errorf("remove staging: %w", err)
	}
	if err := m.registry.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}

	m.logger.Info("コードベースを削除", slog.String("codebase_id", id.String()))
	return nil
}

// Wait は実行中の取り込みがすべて終わるまで待つ。
func (m *Manager) Wait() {
	m.wg.Wait()
}
