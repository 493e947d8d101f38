package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	LLM     LLMConfig
	Gate    GateConfig
	Milvus  MilvusConfig
	RAG     RAGConfig
	Sizing  SizingConfig
	SQLite  SQLiteConfig
	Redis   RedisConfig
	Catalog CatalogConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	ReadTimeout       int
	WriteTimeout      int
	BodyLimit         int
	RequestsPerMinute int
	AllowedOrigins    []string
	Development       bool
}

// LLMConfig carries two API keys; the backup key is optional and failover is
// disabled when it is empty.
type LLMConfig struct {
	Model              string
	PrimaryAPIKey      string
	BackupAPIKey       string
	BaseURL            string
	Temperature        float32
	MaxTokens          int
	TimeoutSec         int
	MaxAttempts        int
	CorrectionAttempts int
	EmbeddingModel     string
	EmbeddingDim       int
}

type GateConfig struct {
	MaxConcurrent int
	SpacingMs     int
	AvgCallSec    int
	BacklogWarn   int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	BatchSize      int
}

type RAGConfig struct {
	Enabled bool
	TopK    int
}

type SizingConfig struct {
	Table         string
	FeeColumn     string
	CacheTTLHours int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled                bool
	Host                   string
	Port                   int
	Password               string
	DB                     int
	EmbeddingTTLHours      int
	ClassificationTTLHours int
}

type CatalogConfig struct {
	Path           string
	DictionaryPath string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (g GateConfig) Spacing() time.Duration {
	return time.Duration(g.SpacingMs) * time.Millisecond
}

func (r RedisConfig) EmbeddingTTL() time.Duration {
	return time.Duration(r.EmbeddingTTLHours) * time.Hour
}

func (r RedisConfig) ClassificationTTL() time.Duration {
	return time.Duration(r.ClassificationTTLHours) * time.Hour
}

func (s SizingConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLHours) * time.Hour
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/proposal-insights")

	return load(v)
}

// LoadFile reads configuration from an explicit path, still honouring env overrides.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("NLQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Gate.MaxConcurrent < 1 {
		return fmt.Errorf("gate.maxConcurrent must be at least 1, got %d", c.Gate.MaxConcurrent)
	}
	if c.LLM.MaxAttempts < 1 {
		return fmt.Errorf("llm.maxAttempts must be at least 1, got %d", c.LLM.MaxAttempts)
	}
	if c.LLM.EmbeddingDim != c.Milvus.VectorDim {
		return fmt.Errorf("llm.embeddingDim (%d) must match milvus.vectorDim (%d)", c.LLM.EmbeddingDim, c.Milvus.VectorDim)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 120)
	v.SetDefault("server.bodyLimit", 4194304)
	v.SetDefault("server.requestsPerMinute", 60)
	v.SetDefault("server.development", false)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 500)
	v.SetDefault("llm.timeoutSec", 60)
	v.SetDefault("llm.maxAttempts", 5)
	v.SetDefault("llm.correctionAttempts", 2)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	v.SetDefault("llm.embeddingDim", 3072)

	v.SetDefault("gate.maxConcurrent", 3)
	v.SetDefault("gate.spacingMs", 250)
	v.SetDefault("gate.avgCallSec", 3)
	v.SetDefault("gate.backlogWarn", 5)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.collectionName", "query_context")
	v.SetDefault("milvus.vectorDim", 3072)
	v.SetDefault("milvus.batchSize", 100)

	v.SetDefault("rag.enabled", true)
	v.SetDefault("rag.topK", 5)

	v.SetDefault("sizing.table", "projects")
	v.SetDefault("sizing.feeColumn", "fee")
	v.SetDefault("sizing.cacheTtlHours", 24)

	v.SetDefault("sqlite.path", "./data/projects.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTtlHours", 168)
	v.SetDefault("redis.classificationTtlHours", 6)

	v.SetDefault("catalog.path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
