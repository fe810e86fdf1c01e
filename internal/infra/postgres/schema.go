package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema は必要なテーブルと索引の定義。埋め込み次元は接続時に
// 決まるため、chunks テーブルは EnsureSchema で次元を埋めて作る。
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS codebases (
    id               UUID PRIMARY KEY,
    name             TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    origin_kind      TEXT NOT NULL,
    origin_ref       TEXT NOT NULL,
    branch           TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    step             TEXT NOT NULL,
    total_files      INTEGER NOT NULL DEFAULT 0,
    processed_files  INTEGER NOT NULL DEFAULT 0,
    chunks_created   INTEGER NOT NULL DEFAULT 0,
    primary_language TEXT NOT NULL DEFAULT '',
    languages        TEXT[] NOT NULL DEFAULT '{}',
    size_bytes       BIGINT NOT NULL DEFAULT 0,
    staging_path     TEXT NOT NULL DEFAULT '',
    secrets_detected INTEGER NOT NULL DEFAULT 0,
    secret_summary   JSONB NOT NULL DEFAULT '[]',
    error            TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chunks (
    id           TEXT PRIMARY KEY,
    codebase_id  UUID NOT NULL REFERENCES codebases(id) ON DELETE CASCADE,
    file_path    TEXT NOT NULL,
    language     TEXT NOT NULL DEFAULT '',
    kind         TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    parent_class TEXT NOT NULL DEFAULT '',
    start_line   INTEGER NOT NULL,
    end_line     INTEGER NOT NULL,
    content      TEXT NOT NULL,
    doc_comment  TEXT NOT NULL DEFAULT '',
    dependencies TEXT[] NOT NULL DEFAULT '{}',
    tokens       INTEGER NOT NULL DEFAULT 0,
    embedding    vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_codebase ON chunks (codebase_id);
CREATE INDEX IF NOT EXISTS idx_chunks_codebase_path ON chunks (codebase_id, file_path);
CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
    USING hnsw (embedding vector_cosine_ops);
`

// EnsureSchema はテーブルと索引を作成する。既存の場合は何もしない。
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", dimension)
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(schemaTemplate, dimension)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
