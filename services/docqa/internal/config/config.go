package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with DOCQA_CONFIG.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// LogFormat is "json" (default) or "text".
	LogFormat string `yaml:"logFormat"`

	StoreDriver  string `yaml:"storeDriver"`
	DatabaseURL  string `yaml:"databaseURL"`
	EmbeddingDim int    `yaml:"embeddingDim"`

	ObjectStoreDriver string `yaml:"objectStoreDriver"`
	MinioEndpoint     string `yaml:"minioEndpoint"`
	MinioAccessKey    string `yaml:"minioAccessKey"`
	MinioSecretKey    string `yaml:"minioSecretKey"`
	MinioBucket       string `yaml:"minioBucket"`
	MinioUseSSL       bool   `yaml:"minioUseSSL"`

	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`

	ChunkSize    int `yaml:"chunkSize"`
	ChunkOverlap int `yaml:"chunkOverlap"`
	TopK         int `yaml:"topK"`
	CandidateCap int `yaml:"candidateCap"`

	EmbeddingProvider      string  `yaml:"embeddingProvider"`
	EmbeddingBaseURL       string  `yaml:"embeddingBaseURL"`
	EmbeddingAPIKey        string  `yaml:"embeddingAPIKey"`
	EmbeddingModel         string  `yaml:"embeddingModel"`
	EmbeddingConcurrency   int     `yaml:"embeddingConcurrency"`
	EmbeddingBatchSize     int     `yaml:"embeddingBatchSize"`
	EmbeddingRPS           float64 `yaml:"embeddingRPS"`
	GenerationProvider     string  `yaml:"generationProvider"`
	GenerationBaseURL      string  `yaml:"generationBaseURL"`
	GenerationAPIKey       string  `yaml:"generationAPIKey"`
	GenerationModel        string  `yaml:"generationModel"`
	ProviderTimeoutSeconds int     `yaml:"providerTimeoutSeconds"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWKSURL     string `yaml:"jwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`

	AskRateLimit         int      `yaml:"askRateLimit"`
	AskRateWindowSeconds int      `yaml:"askRateWindowSeconds"`
	MaxUploadBytes       int64    `yaml:"maxUploadBytes"`
	TrustedProxies       []string `yaml:"trustedProxies"`

	OCRCommand  string `yaml:"ocrCommand"`
	OCRLanguage string `yaml:"ocrLanguage"`
	PDFToText   bool   `yaml:"pdfToText"`
}

// ProviderTimeout returns the per-call provider deadline.
func (c FileConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// Load reads .env (when present), then the YAML file at path, then applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("DOCQA_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")
	setString(&cfg.StoreDriver, "DOCQA_STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setInt(&cfg.EmbeddingDim, "DOCQA_EMBEDDING_DIM")
	setString(&cfg.ObjectStoreDriver, "DOCQA_OBJECT_STORE_DRIVER")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	setBool(&cfg.MinioUseSSL, "MINIO_USE_SSL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "DOCQA_QUEUE_NAME")
	setString(&cfg.QueueGroup, "DOCQA_QUEUE_GROUP")
	setInt(&cfg.QueueConcurrency, "DOCQA_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxRetries, "DOCQA_QUEUE_MAX_RETRIES")
	setInt(&cfg.QueueRetryDelaySeconds, "DOCQA_QUEUE_RETRY_DELAY_SECONDS")
	setInt(&cfg.ChunkSize, "DOCQA_CHUNK_SIZE")
	setInt(&cfg.ChunkOverlap, "DOCQA_CHUNK_OVERLAP")
	setInt(&cfg.TopK, "DOCQA_TOP_K")
	setInt(&cfg.CandidateCap, "DOCQA_CANDIDATE_CAP")
	setString(&cfg.EmbeddingProvider, "DOCQA_EMBEDDING_PROVIDER")
	setString(&cfg.EmbeddingBaseURL, "DOCQA_EMBEDDING_BASE_URL")
	setString(&cfg.EmbeddingAPIKey, "DOCQA_EMBEDDING_API_KEY")
	setString(&cfg.EmbeddingModel, "DOCQA_EMBEDDING_MODEL")
	setInt(&cfg.EmbeddingConcurrency, "DOCQA_EMBEDDING_CONCURRENCY")
	setInt(&cfg.EmbeddingBatchSize, "DOCQA_EMBEDDING_BATCH_SIZE")
	setFloat(&cfg.EmbeddingRPS, "DOCQA_EMBEDDING_RPS")
	setString(&cfg.GenerationProvider, "DOCQA_GENERATION_PROVIDER")
	setString(&cfg.GenerationBaseURL, "DOCQA_GENERATION_BASE_URL")
	setString(&cfg.GenerationAPIKey, "DOCQA_GENERATION_API_KEY")
	setString(&cfg.GenerationModel, "DOCQA_GENERATION_MODEL")
	setInt(&cfg.ProviderTimeoutSeconds, "DOCQA_PROVIDER_TIMEOUT_SECONDS")
	// GEMINI_API_KEY fills both keys when they are unset.
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		if cfg.EmbeddingAPIKey == "" {
			cfg.EmbeddingAPIKey = v
		}
		if cfg.GenerationAPIKey == "" {
			cfg.GenerationAPIKey = v
		}
	}
	setString(&cfg.JWTSecret, "JWT_SECRET_KEY")
	setString(&cfg.JWKSURL, "DOCQA_JWKS_URL")
	setString(&cfg.JWTIssuer, "DOCQA_JWT_ISSUER")
	setString(&cfg.JWTAudience, "DOCQA_JWT_AUDIENCE")
	setInt(&cfg.AskRateLimit, "DOCQA_ASK_RATE_LIMIT")
	setInt(&cfg.AskRateWindowSeconds, "DOCQA_ASK_RATE_WINDOW_SECONDS")
	if v := os.Getenv("DOCQA_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DOCQA_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = strings.Split(v, ",")
	}
	setString(&cfg.OCRCommand, "DOCQA_OCR_COMMAND")
	setString(&cfg.OCRLanguage, "DOCQA_OCR_LANGUAGE")
	setBool(&cfg.PDFToText, "DOCQA_PDFTOTEXT")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "postgres"
	}
	if cfg.ObjectStoreDriver == "" {
		cfg.ObjectStoreDriver = "minio"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 100
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "docqa:index"
	}
	if cfg.ProviderTimeoutSeconds == 0 {
		cfg.ProviderTimeoutSeconds = 60
	}
	if cfg.AskRateWindowSeconds == 0 {
		cfg.AskRateWindowSeconds = 60
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver=postgres (set in config.yaml or DATABASE_URL)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storeDriver %q (postgres|memory)", cfg.StoreDriver)
	}
	switch cfg.ObjectStoreDriver {
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint and minioBucket are required for objectStoreDriver=minio")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown objectStoreDriver %q (minio|memory)", cfg.ObjectStoreDriver)
	}
	if cfg.EmbeddingDim < 0 {
		return errors.New("config: embeddingDim must be >= 0")
	}
	if cfg.ChunkSize <= 0 {
		return errors.New("config: chunkSize must be > 0 (set in config.yaml or DOCQA_CHUNK_SIZE)")
	}
	if cfg.ChunkOverlap <= 0 {
		return errors.New("config: chunkOverlap must be > 0 (set in config.yaml or DOCQA_CHUNK_OVERLAP)")
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return errors.New("config: chunkOverlap must be smaller than chunkSize")
	}
	if cfg.TopK < 0 || cfg.CandidateCap < 0 {
		return errors.New("config: topK and candidateCap must be >= 0")
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return errors.New("config: embeddingModel is required (set in config.yaml or DOCQA_EMBEDDING_MODEL)")
	}
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return errors.New("config: generationModel is required (set in config.yaml or DOCQA_GENERATION_MODEL)")
	}
	if cfg.EmbeddingRPS < 0 {
		return errors.New("config: embeddingRPS must be >= 0")
	}
	if cfg.ProviderTimeoutSeconds < 0 {
		return errors.New("config: providerTimeoutSeconds must be >= 0")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWKSURL) == "" {
		return errors.New("config: user auth requires JWT_SECRET_KEY or DOCQA_JWKS_URL")
	}
	if cfg.AskRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: askRateLimit requires redisAddr")
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 {
		return errors.New("config: queue settings must be >= 0")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	return nil
}
