package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jinford/repochat/internal/core/agent"
	"github.com/jinford/repochat/internal/core/chunk"
	"github.com/jinford/repochat/internal/core/codebase"
	"github.com/jinford/repochat/internal/core/embedding"
	"github.com/jinford/repochat/internal/core/ingest"
	"github.com/jinford/repochat/internal/core/retrieval"
	"github.com/jinford/repochat/internal/core/retry"
	"github.com/jinford/repochat/internal/core/session"
	"github.com/jinford/repochat/internal/core/vectorstore"
	"github.com/jinford/repochat/internal/infra/archive"
	"github.com/jinford/repochat/internal/infra/git"
	"github.com/jinford/repochat/internal/infra/openai"
	"github.com/jinford/repochat/internal/infra/postgres"
	redisstore "github.com/jinford/repochat/internal/infra/redis"
	"github.com/jinford/repochat/pkg/config"
	"github.com/jinford/repochat/pkg/db"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Database  *db.DB
	Registry  codebase.Registry
	Store     vectorstore.Store
	Sessions  session.Store
	Embedding *embedding.Client
	Chunker   *chunk.Chunker
	Manager   *ingest.Manager
	Agent     *agent.Agent

	redisClient *goredis.Client
}

// NewAppContext は設定ファイルを読み込み、DBに接続して AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	database, err := db.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("DB接続に失敗: %w", err)
	}
	if err := postgres.EnsureSchema(ctx, database.Pool, cfg.OpenAI.EmbeddingDimension); err != nil {
		database.Close()
		return nil, fmt.Errorf("スキーマ適用に失敗: %w", err)
	}

	registry := postgres.NewRegistry(database.Pool)
	store := postgres.NewVectorStore(database.Pool, cfg.OpenAI.EmbeddingDimension)

	policy := retry.Policy{
		Initial:    cfg.Ingest.RetryInitial,
		Multiplier: cfg.Ingest.RetryMultiplier,
		MaxBackoff: cfg.Ingest.RetryMaxBackoff,
		Budget:     cfg.Ingest.RetryBudget,
	}

	primary, err := openai.NewEmbedder(cfg.OpenAI.APIKey,
		openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
		openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
	)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("埋め込みクライアント初期化に失敗: %w", err)
	}

	embedOpts := []embedding.ClientOption{
		embedding.WithRetryPolicy(policy),
		embedding.WithBatchSize(cfg.Ingest.EmbedBatchSize),
	}
	if cfg.OpenAI.EmbeddingFallbackModel != "" {
		fallback, err := openai.NewEmbedder(cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingFallbackModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("予備系埋め込みクライアント初期化に失敗: %w", err)
		}
		embedOpts = append(embedOpts, embedding.WithFallback(fallback))
	}
	embedClient := embedding.NewClient(primary, embedOpts...)

	chunker, err := chunk.NewChunker(
		chunk.WithTokenBudget(cfg.Chunking.TargetTokens, cfg.Chunking.MaxTokens),
	)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("チャンカー初期化に失敗: %w", err)
	}

	ac := &AppContext{
		Config:    cfg,
		Database:  database,
		Registry:  registry,
		Store:     store,
		Embedding: embedClient,
		Chunker:   chunker,
	}

	switch cfg.Session.Backend {
	case "redis":
		ac.redisClient = goredis.NewClient(&goredis.Options{Addr: cfg.Session.RedisAddr})
		if err := ac.redisClient.Ping(ctx).Err(); err != nil {
			ac.Close()
			return nil, fmt.Errorf("Redis接続に失敗: %w", err)
		}
		ac.Sessions = redisstore.NewSessionStore(ac.redisClient, redisstore.WithTTL(cfg.Session.TTL))
	default:
		ms := session.NewMemoryStore(session.WithTTL(cfg.Session.TTL))
		ms.StartSweeper(ctx, cfg.Session.CleanupInterval)
		ac.Sessions = ms
	}

	gitClient := git.NewClient(
		git.WithSSHKey(cfg.Git.SSHKeyPath, cfg.Git.SSHPassword),
		git.WithRetryPolicy(policy),
	)

	workflow := ingest.NewWorkflow(registry, store, embedClient, chunker,
		ingest.WithCloner(gitClient),
		ingest.WithExtractor(archive.NewExtractor()),
		ingest.WithStagingRoot(cfg.Ingest.StagingDir),
		ingest.WithMaxUploadBytes(cfg.Ingest.MaxUploadBytes),
		ingest.WithEmbedBatchSize(cfg.Ingest.EmbedBatchSize),
		ingest.WithParseWorkers(cfg.Ingest.ParseWorkers),
		ingest.WithRetryPolicy(policy),
	)
	ac.Manager = ingest.NewManager(workflow, registry, store, ac.Sessions, cfg.Ingest.StagingDir)
	ingest.RegisterMetrics(prometheus.DefaultRegisterer)

	llmClient, err := openai.NewClient(cfg.OpenAI.APIKey, openai.WithModel(cfg.OpenAI.LLMModel))
	if err != nil {
		ac.Close()
		return nil, fmt.Errorf("LLMクライアント初期化に失敗: %w", err)
	}

	engine := retrieval.NewEngine(store, embedClient,
		retrieval.WithK(cfg.Retrieval.KDense, cfg.Retrieval.KFinal),
	)
	ac.Agent = agent.New(registry, engine, llmClient, ac.Sessions, chunker,
		agent.WithHistoryMessages(cfg.Session.History),
		agent.WithContextBudget(cfg.Retrieval.ContextBudget),
		agent.WithGeneration(cfg.OpenAI.LLMTemperature, cfg.OpenAI.LLMMaxTokens),
		agent.WithMaxConcurrent(cfg.Ingest.MaxConcurrency),
	)

	return ac, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.redisClient != nil {
		if err := ac.redisClient.Close(); err != nil {
			slog.Warn("Redis切断に失敗", "error", err)
		}
	}
	if ac.Database != nil {
		ac.Database.Close()
	}
}
