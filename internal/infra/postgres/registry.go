package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/secrets"
)

// Registry は codebase.Registry のPostgreSQL実装。
// 段階遷移の検査は行ロックの下で行う。
type Registry struct {
	pool *pgxpool.Pool
}

// NewRegistry は Registry を生成する。
func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

var _ codebase.Registry = (*Registry)(nil)

const codebaseColumns = `id, name, description, origin_kind, origin_ref, branch,
status, step, total_files, processed_files, chunks_created,
primary_language, languages, size_bytes, staging_path,
secrets_detected, secret_summary, error, created_at, updated_at`

// Create はコードベースを登録する。ID未設定の場合は採番する。
func (r *Registry) Create(ctx context.Context, cb *codebase.Codebase) error {
	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if cb.Status == "" {
		cb.Status = codebase.StatusQueued
		cb.Step = codebase.StepQueued
	}

	summary, err := json.Marshal(cb.SecretSummary)
	if err != nil {
		return fmt.Errorf("marshal secret summary: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO codebases (
			id, name, description, origin_kind, origin_ref, branch,
			status, step, total_files, processed_files, chunks_created,
			primary_language, languages, size_bytes, staging_path,
			secrets_detected, secret_summary, error
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING created_at, updated_at`,
		cb.ID, cb.Name, cb.Description, string(cb.OriginKind), cb.OriginRef, cb.Branch,
		string(cb.Status), string(cb.Step), cb.TotalFiles, cb.ProcessedFiles, cb.ChunksCreated,
		cb.PrimaryLanguage, cb.Languages, cb.SizeBytes, cb.StagingPath,
		cb.SecretsDetected, summary, cb.Error,
	)
	if err := row.Scan(&cb.CreatedAt, &cb.UpdatedAt); err != nil {
		return fmt.Errorf("insert codebase: %w", err)
	}
	return nil
}

// Get はコードベースを取得する。
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*codebase.Codebase, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+codebaseColumns+` FROM codebases WHERE id = $1`, id)
	cb, err := scanCodebase(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, codebase.ErrNotFound
		}
		return nil, fmt.Errorf("get codebase: %w", err)
	}
	return cb, nil
}

// List は作成日時の降順で全件返す。
func (r *Registry) List(ctx context.Context) ([]*codebase.Codebase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+codebaseColumns+` FROM codebases ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list codebases: %w", err)
	}
	defer rows.Close()

	var out []*codebase.Codebase
	for rows.Next() {
		cb, err := scanCodebase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan codebase: %w", err)
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// Delete はコードベースを削除する。チャンクは外部キーで連鎖削除される。
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM codebases WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete codebase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return codebase.ErrNotFound
	}
	return nil
}

// UpdateStep は進行段階を前進させる。
func (r *Registry) UpdateStep(ctx context.Context, id uuid.UUID, step codebase.Step) error {
	return r.withStepLock(ctx, id, step, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE codebases SET step = $2, status = $3, updated_at = now()
			WHERE id = $1`,
			id, string(step), string(codebase.StatusForStep(step)))
		return err
	})
}

// UpdateProgress はファイル単位の進捗を更新する。
func (r *Registry) UpdateProgress(ctx context.Context, id uuid.UUID, processed, total int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE codebases SET
			total_files = CASE WHEN $3 >= 0 THEN $3 ELSE total_files END,
			processed_files = CASE WHEN $2 >= 0
				THEN LEAST($2, CASE WHEN $3 >= 0 THEN $3 ELSE total_files END)
				ELSE processed_files END,
			updated_at = now()
		WHERE id = $1`, id, processed, total)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return codebase.ErrNotFound
	}
	return nil
}

// SetLanguages は検出した言語の内訳を記録する。
func (r *Registry) SetLanguages(ctx context.Context, id uuid.UUID, primary string, all []string) error {
	return r.exec(ctx, `
		UPDATE codebases SET primary_language = $2, languages = $3, updated_at = now()
		WHERE id = $1`, id, primary, all)
}

// SetSecretSummary はシークレット検出の集計を記録する。
func (r *Registry) SetSecretSummary(ctx context.Context, id uuid.UUID, total int, summary []secrets.FileSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal secret summary: %w", err)
	}
	return r.exec(ctx, `
		UPDATE codebases SET secrets_detected = $2, secret_summary = $3, updated_at = now()
		WHERE id = $1`, id, total, data)
}

// SetChunksCreated は作成済みチャンク数を記録する。
func (r *Registry) SetChunksCreated(ctx context.Context, id uuid.UUID, n int) error {
	return r.exec(ctx, `
		UPDATE codebases SET chunks_created = $2, updated_at = now()
		WHERE id = $1`, id, n)
}

// MarkCompleted は取り込み完了を記録する。
func (r *Registry) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	return r.withStepLock(ctx, id, codebase.StepCompleted, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE codebases SET step = $2, status = $3, error = '', updated_at = now()
			WHERE id = $1`,
			id, string(codebase.StepCompleted), string(codebase.StatusCompleted))
		return err
	})
}

// MarkFailed は失敗を記録する。
func (r *Registry) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	return r.withStepLock(ctx, id, codebase.StepFailed, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE codebases SET step = $2, status = $3, error = $4, updated_at = now()
			WHERE id = $1`,
			id, string(codebase.StepFailed), string(codebase.StatusFailed), cause)
		return err
	})
}

// withStepLock は行ロックの下で遷移を検査してから fn を実行する。
func (r *Registry) withStepLock(ctx context.Context, id uuid.UUID, next codebase.Step, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT step FROM codebases WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return codebase.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock codebase: %w", err)
	}

	if err := codebase.ValidateTransition(codebase.Step(current), next); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *Registry) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update codebase: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return codebase.ErrNotFound
	}
	return nil
}

func scanCodebase(row pgx.Row) (*codebase.Codebase, error) {
	var (
		cb         codebase.Codebase
		originKind string
		status     string
		step       string
		summary    []byte
	)
	err := row.Scan(
		&cb.ID, &cb.Name, &cb.Description, &originKind, &cb.OriginRef, &cb.Branch,
		&status, &step, &cb.TotalFiles, &cb.ProcessedFiles, &cb.ChunksCreated,
		&cb.PrimaryLanguage, &cb.Languages, &cb.SizeBytes, &cb.StagingPath,
		&cb.SecretsDetected, &summary, &cb.Error, &cb.CreatedAt, &cb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	cb.OriginKind = codebase.OriginKind(originKind)
	cb.Status = codebase.Status(status)
	cb.Step = codebase.Step(step)
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &cb.SecretSummary); err != nil {
			return nil, fmt.Errorf("unmarshal secret summary: %w", err)
		}
	}
	return &cb, nil
}
