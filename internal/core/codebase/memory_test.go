package codebase

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/repochat/internal/core/secrets"
)

func newRegistered(t *testing.T, r *MemoryRegistry) *Codebase {
	t.Helper()
	cb := &Codebase{Name: "demo", OriginKind: OriginArchive, OriginRef: "demo.zip"}
	require.NoError(t, r.Create(context.Background(), cb))
	return cb
}

func TestMemoryRegistry_CreateDefaults(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)

	got, err := r.Get(context.Background(), cb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, StepQueued, got.Step)
	assert.NotEqual(t, uuid.Nil, got.ID)
}

func TestMemoryRegistry_StepAdvances(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	steps := []Step{StepValidating, StepMaterialize, StepParsing, StepChunking, StepEmbedding, StepIndexing}
	for _, step := range steps {
		require.NoError(t, r.UpdateStep(ctx, cb.ID, step))
		got, err := r.Get(ctx, cb.ID)
		require.NoError(t, err)
		assert.Equal(t, step, got.Step)
		assert.Equal(t, StatusProcessing, got.Status)
	}

	require.NoError(t, r.MarkCompleted(ctx, cb.ID))
	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMemoryRegistry_StepNeverRegresses(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.UpdateStep(ctx, cb.ID, StepEmbedding))
	err := r.UpdateStep(ctx, cb.ID, StepParsing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, StepEmbedding, got.Step)
}

func TestMemoryRegistry_CompletedIsTerminal(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.MarkCompleted(ctx, cb.ID))
	assert.ErrorIs(t, r.MarkFailed(ctx, cb.ID, "boom"), ErrInvalidTransition)
	assert.ErrorIs(t, r.UpdateStep(ctx, cb.ID, StepParsing), ErrInvalidTransition)
}

func TestMemoryRegistry_FailFromAnyStep(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.UpdateStep(ctx, cb.ID, StepChunking))
	require.NoError(t, r.MarkFailed(ctx, cb.ID, "embedding provider down"))

	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "embedding provider down", got.Error)
}

func TestMemoryRegistry_RetryAfterFailure(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.UpdateStep(ctx, cb.ID, StepEmbedding))
	require.NoError(t, r.MarkFailed(ctx, cb.ID, "embedding provider down"))

	// 失敗後は最初の段階からやり直せる
	require.NoError(t, r.UpdateStep(ctx, cb.ID, StepValidating))
	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)

	require.NoError(t, r.MarkCompleted(ctx, cb.ID))
	got, err = r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Error)
}

func TestMemoryRegistry_ProgressClamped(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.UpdateProgress(ctx, cb.ID, 0, 10))
	require.NoError(t, r.UpdateProgress(ctx, cb.ID, 15, -1))

	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.ProcessedFiles)
	assert.Equal(t, 10, got.TotalFiles)
}

func TestCodebase_Projection(t *testing.T) {
	r := NewMemoryRegistry()
	cb := newRegistered(t, r)
	ctx := context.Background()

	require.NoError(t, r.UpdateStep(ctx, cb.ID, StepEmbedding))
	require.NoError(t, r.UpdateProgress(ctx, cb.ID, 5, 10))
	require.NoError(t, r.SetLanguages(ctx, cb.ID, "go", []string{"go", "python"}))
	require.NoError(t, r.SetSecretSummary(ctx, cb.ID, 3, []secrets.FileSummary{
		{FilePath: "config.env", Counts: map[secrets.SecretType]int{secrets.TypeAWSAccessKey: 3}},
	}))
	require.NoError(t, r.SetChunksCreated(ctx, cb.ID, 42))

	got, err := r.Get(ctx, cb.ID)
	require.NoError(t, err)

	p := got.Projection()
	assert.Equal(t, cb.ID.String(), p.ID)
	assert.Equal(t, StatusProcessing, p.Status)
	assert.Equal(t, StepEmbedding, p.CurrentStep)
	assert.Equal(t, 42, p.ChunksCreated)
	assert.Equal(t, 3, p.SecretsDetected)
	// 公開表現の進捗は0〜100
	assert.Greater(t, p.Progress, 60.0)
	assert.Less(t, p.Progress, 85.0)
}

func TestCodebase_ProjectionProgressRange(t *testing.T) {
	cb := &Codebase{Step: StepCompleted}
	assert.Equal(t, 100.0, cb.Projection().Progress)

	cb.Step = StepQueued
	assert.Equal(t, 0.0, cb.Projection().Progress)
}

func TestCodebase_ProgressMonotonicAcrossSteps(t *testing.T) {
	cb := &Codebase{TotalFiles: 10, ProcessedFiles: 10}
	var prev float64
	for _, step := range []Step{StepQueued, StepValidating, StepMaterialize, StepParsing, StepChunking, StepEmbedding, StepIndexing, StepCompleted} {
		cb.Step = step
		p := cb.Progress()
		assert.GreaterOrEqual(t, p, prev, "step %s", step)
		prev = p
	}
	assert.Equal(t, 1.0, prev)
}
