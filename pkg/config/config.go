package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Embeddings + LLM）
	OpenAI OpenAIConfig

	// セッション設定
	Session SessionConfig

	// 取り込み設定
	Ingest IngestConfig

	// 検索設定
	Retrieval RetrievalConfig

	// チャンク分割設定
	Chunking ChunkingConfig

	// Git設定
	Git GitConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定（Embeddings + LLM）
type OpenAIConfig struct {
	APIKey                 string
	EmbeddingModel         string
	EmbeddingFallbackModel string // 主モデルが利用できない場合の代替モデル
	EmbeddingDimension     int
	LLMModel               string
	LLMTemperature         float64
	LLMMaxTokens           int
}

// SessionConfig は会話セッション設定
type SessionConfig struct {
	Backend         string // "memory" or "redis"
	RedisAddr       string
	TTL             time.Duration
	CleanupInterval time.Duration // 期限切れセッション掃除の実行間隔
	History         int           // プロンプトに含める直近メッセージ数
}

// IngestConfig は取り込みパイプライン設定
type IngestConfig struct {
	StagingDir      string
	MaxUploadBytes  int64
	EmbedBatchSize  int
	ParseWorkers    int
	MaxConcurrency  int // 同時に処理できる問い合わせ数の上限
	RetryInitial    time.Duration
	RetryMultiplier float64
	RetryMaxBackoff time.Duration
	RetryBudget     time.Duration
}

// RetrievalConfig はハイブリッド検索設定
type RetrievalConfig struct {
	KDense        int
	KFinal        int
	ContextBudget int // プロンプトに詰めるチャンクのトークン上限
}

// ChunkingConfig はチャンク分割設定
type ChunkingConfig struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
}

// GitConfig はGit操作設定
type GitConfig struct {
	SSHKeyPath  string
	SSHPassword string // SSH秘密鍵のパスワード（パスフレーズ）
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "repochat"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "repochat"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:                 getEnv("OPENAI_API_KEY", ""),
			EmbeddingModel:         getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingFallbackModel: getEnv("OPENAI_EMBEDDING_FALLBACK_MODEL", ""),
			EmbeddingDimension:     getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			LLMModel:               getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			LLMTemperature:         getEnvAsFloat("OPENAI_LLM_TEMPERATURE", 0.2),
			LLMMaxTokens:           getEnvAsInt("OPENAI_LLM_MAX_TOKENS", 2048),
		},
		Session: SessionConfig{
			Backend:         getEnv("SESSION_BACKEND", "memory"),
			RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
			TTL:             time.Duration(getEnvAsInt("SESSION_TTL_SECONDS", 604800)) * time.Second,
			CleanupInterval: time.Duration(getEnvAsInt("SESSION_CLEANUP_INTERVAL_SECONDS", 86400)) * time.Second,
			History:         getEnvAsInt("SESSION_HISTORY_MESSAGES", 5),
		},
		Ingest: IngestConfig{
			StagingDir:      getEnv("STAGING_DIR", "/var/lib/repochat/staging"),
			MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 100*1024*1024),
			EmbedBatchSize:  getEnvAsInt("EMBEDDING_BATCH_SIZE", 100),
			ParseWorkers:    getEnvAsInt("PARSE_WORKERS", 4),
			MaxConcurrency:  getEnvAsInt("CONCURRENT_QUERIES_MAX", 10),
			RetryInitial:    time.Duration(getEnvAsInt("RETRY_INITIAL_MS", 2000)) * time.Millisecond,
			RetryMultiplier: getEnvAsFloat("RETRY_MULTIPLIER", 2.0),
			RetryMaxBackoff: time.Duration(getEnvAsInt("RETRY_MAX_BACKOFF_MS", 60000)) * time.Millisecond,
			RetryBudget:     time.Duration(getEnvAsInt("RETRY_BUDGET_SECONDS", 1800)) * time.Second,
		},
		Retrieval: RetrievalConfig{
			KDense:        getEnvAsInt("RETRIEVAL_K_DENSE", 20),
			KFinal:        getEnvAsInt("RETRIEVAL_K_FINAL", 5),
			ContextBudget: getEnvAsInt("RETRIEVAL_CONTEXT_BUDGET", 12000),
		},
		Chunking: ChunkingConfig{
			TargetTokens:  getEnvAsInt("CHUNK_TARGET_TOKENS", 800),
			MaxTokens:     getEnvAsInt("CHUNK_MAX_TOKENS", 1500),
			OverlapTokens: getEnvAsInt("CHUNK_OVERLAP_TOKENS", 100),
		},
		Git: GitConfig{
			SSHKeyPath:  getEnv("GIT_SSH_KEY_PATH", ""),
			SSHPassword: getEnv("GIT_SSH_PASSWORD", ""),
		},
	}

	return cfg, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64bit整数として取得します
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
