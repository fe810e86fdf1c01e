package ingest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsIngest は取り込みワークフローのPrometheusメトリクスを保持する。
type metricsIngest struct {
	once sync.Once

	filesProcessed  prometheus.Counter
	filesSkipped    prometheus.Counter
	chunksCreated   prometheus.Counter
	secretsRedacted prometheus.Counter
	embedBatches    prometheus.Counter
	runFailures     prometheus.Counter

	runDuration prometheus.Histogram
}

var ingMetrics metricsIngest

func (m *metricsIngest) init() {
	m.once.Do(func() {
		m.filesProcessed = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_files_processed_total", Help: "取り込みで処理したファイル数"})
		m.filesSkipped = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_files_skipped_total", Help: "除外パターンやバイナリ判定でスキップしたファイル数"})
		m.chunksCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_chunks_created_total", Help: "作成したチャンク数"})
		m.secretsRedacted = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_secrets_redacted_total", Help: "マスキングしたシークレット数"})
		m.embedBatches = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_embed_batches_total", Help: "Embedding APIへ送ったバッチ数"})
		m.runFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "repochat_ingest_run_failures_total", Help: "失敗した取り込み実行数"})

		m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "repochat_ingest_run_duration_seconds",
			Help:    "取り込み実行の所要時間",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		})
	})
}

// RegisterMetrics は取り込みメトリクスを reg に登録する。
func RegisterMetrics(reg prometheus.Registerer) {
	ingMetrics.init()
	reg.MustRegister(
		ingMetrics.filesProcessed,
		ingMetrics.filesSkipped,
		ingMetrics.chunksCreated,
		ingMetrics.secretsRedacted,
		ingMetrics.embedBatches,
		ingMetrics.runFailures,
		ingMetrics.runDuration,
	)
}
