package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore は開発・テスト向けのインメモリ実装。
// 距離は正規化済みベクトル前提のコサイン距離。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	dim     int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore は MemoryStore を生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Upsert は records を登録する。同一IDは上書きされる。
func (s *MemoryStore) Upsert(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if s.dim == 0 {
			s.dim = len(r.Vector)
		}
		if len(r.Vector) != s.dim {
			return fmt.Errorf("%w: store=%d got=%d", ErrDimensionMismatch, s.dim, len(r.Vector))
		}
		s.records[r.Chunk.ID] = r
	}
	return nil
}

// Search はコサイン距離の昇順で最大k件返す。
func (s *MemoryStore) Search(_ context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if s.dimMismatch(vector) {
		return nil, fmt.Errorf("%w: store=%d got=%d", ErrDimensionMismatch, s.dim, len(vector))
	}

	s.mu.RLock()
	var hits []Hit
	for _, r := range s.records {
		if !filter.Matches(r.Chunk) {
			continue
		}
		hits = append(hits, Hit{Chunk: r.Chunk, Distance: cosineDistance(vector, r.Vector)})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].Chunk.ID < hits[j].Chunk.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// DeleteByCodebase はコードベース配下の全レコードを削除する。
func (s *MemoryStore) DeleteByCodebase(_ context.Context, codebaseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if r.Chunk.CodebaseID == codebaseID {
			delete(s.records, id)
		}
	}
	return nil
}

// Count はフィルタに合致するレコード数を返す。
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.records {
		if filter.Matches(r.Chunk) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) dimMismatch(vector []float32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim != 0 && len(vector) != s.dim
}

func cosineDistance(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return 1 - dot
}
