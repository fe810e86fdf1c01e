package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const journalFileName = "journal.json"

// journalState はワークフローの再開に必要な進行記録を表す。
// 決定的に再計算できる段階（解析・チャンク化）は記録せず、
// 外部サービスへ副作用を持つ段階だけをバッチ単位で記録する。
type journalState struct {
	Validated       bool            `json:"validated"`
	Materialized    bool            `json:"materialized"`
	Manifest        []ManifestEntry `json:"manifest,omitempty"`
	EmbeddedBatches int             `json:"embedded_batches"`
}

// Journal はワークフローの進行記録の読み書きを抽象化する。
type Journal interface {
	Load(codebaseID uuid.UUID) (*journalState, error)
	Save(codebaseID uuid.UUID, state *journalState) error
	Clear(codebaseID uuid.UUID) error
}

// FileJournal はステージングディレクトリ配下のJSONファイルに
// 進行記録を保存する。
type FileJournal struct {
	stagingRoot string
}

// NewFileJournal は FileJournal を生成する。
func NewFileJournal(stagingRoot string) *FileJournal {
	return &FileJournal{stagingRoot: stagingRoot}
}

var _ Journal = (*FileJournal)(nil)

func (j *FileJournal) path(codebaseID uuid.UUID) string {
	return filepath.Join(j.stagingRoot, codebaseID.String(), journalFileName)
}

// Load は進行記録を読み込む。記録が存在しない場合は初期状態を返す。
func (j *FileJournal) Load(codebaseID uuid.UUID) (*journalState, error) {
	data, err := os.ReadFile(j.path(codebaseID))
	if errors.Is(err, fs.ErrNotExist) {
		return &journalState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var state journalState
	if err := json.Unmarshal(data, &state); err != nil {
		// 壊れた記録は無視して最初からやり直す
		return &journalState{}, nil
	}
	return &state, nil
}

// Save は進行記録を書き込む。一時ファイル経由で置き換える。
func (j *FileJournal) Save(codebaseID uuid.UUID, state *journalState) error {
	path := j.path(codebaseID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// Clear は進行記録を削除する。
func (j *FileJournal) Clear(codebaseID uuid.UUID) error {
	err := os.Remove(j.path(codebaseID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove journal: %w", err)
	}
	return nil
}
