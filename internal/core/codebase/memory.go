package codebase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/secrets"
)

// MemoryRegistry はプロセス内のレジストリ実装。
type MemoryRegistry struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Codebase
	now   func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry は MemoryRegistry を生成する。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		items: make(map[uuid.UUID]*Codebase),
		now:   time.Now,
	}
}

// Create はコードベースを登録する。ID未設定の場合は採番する。
func (r *MemoryRegistry) Create(_ context.Context, cb *Codebase) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if cb.Status == "" {
		cb.Status = StatusQueued
		cb.Step = StepQueued
	}
	now := r.now()
	cb.CreatedAt = now
	cb.UpdatedAt = now

	stored := *cb
	r.items[cb.ID] = &stored
	return nil
}

// Get はコードベースのコピーを返す。
func (r *MemoryRegistry) Get(_ context.Context, id uuid.UUID) (*Codebase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *cb
	return &out, nil
}

// List は作成日時の降順で全件返す。
func (r *MemoryRegistry) List(_ context.Context) ([]*Codebase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Codebase, 0, len(r.items))
	for _, cb := range r.items {
		c := *cb
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete はコードベースを削除する。
func (r *MemoryRegistry) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return ErrNotFound
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryRegistry) update(id uuid.UUID, fn func(*Codebase) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}
	if err := fn(cb); err != nil {
		return err
	}
	cb.UpdatedAt = r.now()
	return nil
}

// UpdateStep は進行段階を前進させる。
func (r *MemoryRegistry) UpdateStep(_ context.Context, id uuid.UUID, step Step) error {
	return r.update(id, func(cb *Codebase) error {
		if err := advanceStep(cb.Step, step); err != nil {
			return err
		}
		cb.Step = step
		cb.Status = statusForStep(step)
		return nil
	})
}

// UpdateProgress はファイル単位の進捗を更新する。
func (r *MemoryRegistry) UpdateProgress(_ context.Context, id uuid.UUID, processed, total int) error {
	return r.update(id, func(cb *Codebase) error {
		if total >= 0 {
			cb.TotalFiles = total
		}
		if processed >= 0 {
			if processed > cb.TotalFiles {
				processed = cb.TotalFiles
			}
			cb.ProcessedFiles = processed
		}
		return nil
	})
}

// SetLanguages は検出した言語の内訳を記録する。
func (r *MemoryRegistry) SetLanguages(_ context.Context, id uuid.UUID, primary string, all []string) error {
	return r.update(id, func(cb *Codebase) error {
		cb.PrimaryLanguage = primary
		cb.Languages = append([]string(nil), all...)
		return nil
	})
}

// SetSecretSummary はシークレット検出の集計を記録する。
func (r *MemoryRegistry) SetSecretSummary(_ context.Context, id uuid.UUID, total int, summary []secrets.FileSummary) error {
	return r.update(id, func(cb *Codebase) error {
		cb.SecretsDetected = total
		cb.SecretSummary = append([]secrets.FileSummary(nil), summary...)
		return nil
	})
}

// SetChunksCreated は作成済みチャンク数を記録する。
func (r *MemoryRegistry) SetChunksCreated(_ context.Context, id uuid.UUID, n int) error {
	return r.update(id, func(cb *Codebase) error {
		cb.ChunksCreated = n
		return nil
	})
}

// MarkCompleted は取り込み完了を記録する。
func (r *MemoryRegistry) MarkCompleted(_ context.Context, id uuid.UUID) error {
	return r.update(id, func(cb *Codebase) error {
		if err := advanceStep(cb.Step, StepCompleted); err != nil {
			return err
		}
		cb.Step = StepCompleted
		cb.Status = StatusCompleted
		cb.Error = ""
		return nil
	})
}

// MarkFailed は失敗を記録する。
func (r *MemoryRegistry) MarkFailed(_ context.Context, id uuid.UUID, cause string) error {
	return r.update(id, func(cb *Codebase) error {
		if err := advanceStep(cb.Step, StepFailed); err != nil {
			return err
		}
		cb.Step = StepFailed
		cb.Status = StatusFailed
		cb.Error = cause
		return nil
	})
}
