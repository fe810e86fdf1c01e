package codebase

import (
	"time"

	"github.com/google/uuid"

	"github.com/jinford/repochat/internal/core/secrets"
)

// Status はコードベースの取り込み状態を表す。
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Step は取り込みワークフローの進行段階を表す。
type Step string

const (
	StepQueued      Step = "queued"
	StepValidating  Step = "validating"
	StepMaterialize Step = "cloning_or_extracting"
	StepParsing     Step = "parsing"
	StepChunking    Step = "chunking"
	StepEmbedding   Step = "embedding"
	StepIndexing    Step = "indexing"
	StepCompleted   Step = "completed"
	StepFailed      Step = "failed"
)

// stepOrder は状態遷移の前進のみを許すための順序。
var stepOrder = map[Step]int{
	StepQueued:      0,
	StepValidating:  1,
	StepMaterialize: 2,
	StepParsing:     3,
	StepChunking:    4,
	StepEmbedding:   5,
	StepIndexing:    6,
	StepCompleted:   7,
	StepFailed:      7,
}

// OriginKind は取り込み元の種類を表す。
type OriginKind string

const (
	OriginArchive OriginKind = "archive"
	OriginRemote  OriginKind = "remote"
)

// Codebase は取り込み対象リポジトリのメタデータを表す。
type Codebase struct {
	ID              uuid.UUID
	Name            string
	Description     string
	OriginKind      OriginKind
	OriginRef       string // アーカイブのパスまたはリモートURL
	Branch          string
	Status          Status
	Step            Step
	TotalFiles      int
	ProcessedFiles  int
	ChunksCreated   int
	PrimaryLanguage string
	Languages       []string
	SizeBytes       int64
	StagingPath     string
	SecretsDetected int
	SecretSummary   []secrets.FileSummary
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// stepWeights は進捗率の算出に使う各段階までの累積割合。
var stepWeights = map[Step]float64{
	StepQueued:      0.0,
	StepValidating:  0.05,
	StepMaterialize: 0.15,
	StepParsing:     0.30,
	StepChunking:    0.45,
	StepEmbedding:   0.60,
	StepIndexing:    0.85,
	StepCompleted:   1.0,
	StepFailed:      1.0,
}

// Progress は0〜1の進捗率を返す。ファイル単位の進捗がある段階では
// 段階内を線形に補間する。
func (c *Codebase) Progress() float64 {
	base, ok := stepWeights[c.Step]
	if !ok {
		return 0
	}
	if c.TotalFiles > 0 && c.Step != StepCompleted && c.Step != StepFailed {
		var next float64
		switch c.Step {
		case StepParsing:
			next = stepWeights[StepChunking]
		case StepEmbedding:
			next = stepWeights[StepIndexing]
		case StepIndexing:
			next = stepWeights[StepCompleted]
		default:
			return base
		}
		frac := float64(c.ProcessedFiles) / float64(c.TotalFiles)
		if frac > 1 {
			frac = 1
		}
		return base + (next-base)*frac
	}
	return base
}

// StatusProjection は外部へ公開する状態表現。Progress は0〜100。
type StatusProjection struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Status          Status                `json:"status"`
	CurrentStep     Step                  `json:"current_step"`
	Progress        float64               `json:"progress"`
	TotalFiles      int                   `json:"total_files"`
	ProcessedFiles  int                   `json:"processed_files"`
	ChunksCreated   int                   `json:"chunks_created"`
	PrimaryLanguage string                `json:"primary_language,omitempty"`
	Languages       []string              `json:"languages,omitempty"`
	SecretsDetected int                   `json:"secrets_detected"`
	SecretSummary   []secrets.FileSummary `json:"secret_summary,omitempty"`
	Error           string                `json:"error,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Projection は外部公開用の状態表現を組み立てる。
func (c *Codebase) Projection() StatusProjection {
	return StatusProjection{
		ID:              c.ID.String(),
		Name:            c.Name,
		Status:          c.Status,
		CurrentStep:     c.Step,
		Progress:        c.Progress() * 100,
		TotalFiles:      c.TotalFiles,
		ProcessedFiles:  c.ProcessedFiles,
		ChunksCreated:   c.ChunksCreated,
		PrimaryLanguage: c.PrimaryLanguage,
		Languages:       c.Languages,
		SecretsDetected: c.SecretsDetected,
		SecretSummary:   c.SecretSummary,
		Error:           c.Error,
		UpdatedAt:       c.UpdatedAt,
	}
}
