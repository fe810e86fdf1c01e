package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/repochat/internal/core/chunk"
	"github.com/jinford/repochat/internal/core/parser"
	"github.com/jinford/repochat/internal/core/vectorstore"
)

// VectorStore は vectorstore.Store のpgvector実装。
// 距離はコサイン距離（<=> 演算子）で測る。
type VectorStore struct {
	pool      *pgxpool.Pool
	dimension int
}

// NewVectorStore は VectorStore を生成する。
func NewVectorStore(pool *pgxpool.Pool, dimension int) *VectorStore {
	return &VectorStore{pool: pool, dimension: dimension}
}

var _ vectorstore.Store = (*VectorStore)(nil)

// Upsert はチャンクとベクトルを保存する。同一IDは上書きする。
func (s *VectorStore) Upsert(ctx context.Context, records []vectorstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Vector) != s.dimension {
			return fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(r.Vector), s.dimension)
		}
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		c := r.Chunk
		batch.Queue(`
			INSERT INTO chunks (
				id, codebase_id, file_path, language, kind, name, parent_class,
				start_line, end_line, content, doc_comment, dependencies, tokens, embedding
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
			ON CONFLICT (id) DO UPDATE SET
				file_path = EXCLUDED.file_path,
				language = EXCLUDED.language,
				kind = EXCLUDED.kind,
				name = EXCLUDED.name,
				parent_class = EXCLUDED.parent_class,
				start_line = EXCLUDED.start_line,
				end_line = EXCLUDED.end_line,
				content = EXCLUDED.content,
				doc_comment = EXCLUDED.doc_comment,
				dependencies = EXCLUDED.dependencies,
				tokens = EXCLUDED.tokens,
				embedding = EXCLUDED.embedding`,
			c.ID, c.CodebaseID, c.FilePath, string(c.Language), string(c.Kind), c.Name, c.ParentClass,
			c.StartLine, c.EndLine, c.Content, c.DocComment, c.Dependencies, c.Tokens,
			pgvector.NewVector(r.Vector),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

// Search は vector に近い順に最大k件返す。
func (s *VectorStore) Search(ctx context.Context, vector []float32, k int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", vectorstore.ErrDimensionMismatch, len(vector), s.dimension)
	}

	where, args := buildFilter(filter)
	args = append(args, pgvector.NewVector(vector), k)

	query := fmt.Sprintf(`
		SELECT id, codebase_id, file_path, language, kind, name, parent_class,
		       start_line, end_line, content, doc_comment, dependencies, tokens,
		       embedding <=> $%d AS distance
		FROM chunks
		%s
		ORDER BY distance ASC, id ASC
		LIMIT $%d`, len(args)-1, where, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []vectorstore.Hit
	for rows.Next() {
		var (
			c        chunk.Chunk
			language string
			kind     string
			distance float64
		)
		err := rows.Scan(
			&c.ID, &c.CodebaseID, &c.FilePath, &language, &kind, &c.Name, &c.ParentClass,
			&c.StartLine, &c.EndLine, &c.Content, &c.DocComment, &c.Dependencies, &c.Tokens,
			&distance,
		)
		if err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		c.Language = parser.Language(language)
		c.Kind = chunk.Kind(kind)
		hits = append(hits, vectorstore.Hit{Chunk: c, Distance: distance})
	}
	return hits, rows.Err()
}

// DeleteByCodebase はコードベースのチャンクをすべて削除する。
func (s *VectorStore) DeleteByCodebase(ctx context.Context, codebaseID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM chunks WHERE codebase_id = $1`, codebaseID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Count は条件に一致するチャンク数を返す。
func (s *VectorStore) Count(ctx context.Context, filter vectorstore.Filter) (int64, error) {
	where, args := buildFilter(filter)
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func buildFilter(filter vectorstore.Filter) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.CodebaseID != uuid.Nil {
		add("codebase_id = $%d", filter.CodebaseID)
	}
	if filter.Language != "" {
		add("language = $%d", filter.Language)
	}
	if filter.ChunkKind != "" {
		add("kind = $%d", filter.ChunkKind)
	}
	if filter.FilePath != "" {
		add("file_path = $%d", filter.FilePath)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
