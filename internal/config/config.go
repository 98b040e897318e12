package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Redis     RedisConfig
	Evaluator EvaluatorConfig `mapstructure:"evaluator"`
	Grading   GradingConfig   `mapstructure:"grading"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	CORS      CORSConfig      `mapstructure:"cors"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`

	// 运行时标志（非配置文件，通过命令行参数设置）
	ForceMigrate bool `mapstructure:"-"`
	MigrateOnly  bool `mapstructure:"-"`
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	DBName    string
	Charset   string
	ParseTime bool
}

type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	ExpireTime time.Duration `mapstructure:"expire_hours"`
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// EvaluatorConfig 外部评测器（OpenAI 兼容接口）
type EvaluatorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	PromptVersion  int    `mapstructure:"prompt_version"`
	SchemaVersion  int    `mapstructure:"schema_version"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxTokens      int    `mapstructure:"max_tokens"`
}

type GradingConfig struct {
	WorkerCount       int    `mapstructure:"worker_count"`
	QueueKey          string `mapstructure:"queue_key"`
	StaleAfterMinutes int    `mapstructure:"stale_after_minutes"`
}

// ArchiveConfig 判分诊断归档（MinIO）
type ArchiveConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	MinioEndpoint string `mapstructure:"minio_endpoint"`
	MinioAccessID string `mapstructure:"minio_access_key"`
	MinioSecret   string `mapstructure:"minio_secret_key"`
	MinioBucket   string `mapstructure:"minio_bucket"`
	UseSSL        bool   `mapstructure:"use_ssl"`
}

type TracingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CollectorEndpoint string `mapstructure:"collector_endpoint"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type RateLimitConfig struct {
	MaxRequests   int `mapstructure:"max_requests"`
	WindowMinutes int `mapstructure:"window_minutes"`
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("QA_LAB")
	viper.AutomaticEnv()

	// Database
	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.dbname", "DATABASE_NAME")

	// JWT
	viper.BindEnv("jwt.secret", "JWT_SECRET")

	// Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	viper.BindEnv("server.mode", "SERVER_MODE")

	// Evaluator
	viper.BindEnv("evaluator.base_url", "EVALUATOR_BASE_URL")
	viper.BindEnv("evaluator.api_key", "EVALUATOR_API_KEY")
	viper.BindEnv("evaluator.model", "EVALUATOR_MODEL")

	// Archive / MinIO
	viper.BindEnv("archive.minio_endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("archive.minio_access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("archive.minio_secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("archive.minio_bucket", "MINIO_BUCKET")

	// Tracing
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.collector_endpoint", "TRACING_COLLECTOR_ENDPOINT")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.JWT.ExpireTime = cfg.JWT.ExpireTime * time.Hour

	// 生产环境校验 JWT Secret 强度
	if cfg.Server.Mode == "release" && len(cfg.JWT.Secret) < 32 {
		return nil, fmt.Errorf("JWT secret is too short (%d chars), must be at least 32 characters in release mode", len(cfg.JWT.Secret))
	}

	if cfg.Grading.WorkerCount <= 0 {
		cfg.Grading.WorkerCount = 4
	}
	if cfg.Grading.QueueKey == "" {
		cfg.Grading.QueueKey = "grading:jobs"
	}
	if cfg.Grading.StaleAfterMinutes <= 0 {
		cfg.Grading.StaleAfterMinutes = 10
	}
	if cfg.Evaluator.TimeoutSeconds <= 0 {
		cfg.Evaluator.TimeoutSeconds = 90
	}
	if cfg.Evaluator.MaxTokens <= 0 {
		cfg.Evaluator.MaxTokens = 1200
	}
	if cfg.Evaluator.PromptVersion <= 0 {
		cfg.Evaluator.PromptVersion = 1
	}
	if cfg.Evaluator.SchemaVersion <= 0 {
		cfg.Evaluator.SchemaVersion = 1
	}

	return &cfg, nil
}
