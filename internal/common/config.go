package common

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/joseph-ayodele/transcript-pipeline/constants"
)

// Config holds all application configuration
type Config struct {
	Database  DatabaseConfig
	Server    ServerConfig
	Log       LogConfig
	Cache     CacheConfig
	Pipeline  PipelineConfig
	Download  DownloadConfig
	OpenAI    OpenAIConfig
	Formatter FormatterConfig
	Bailian   BailianConfig
	Storage   StorageConfig
	NATS      NATSConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string // memory | sqlite | postgres
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string // text | json
}

// CacheConfig holds audio cache configuration
type CacheConfig struct {
	AudioDir   string
	StaleAfter time.Duration
}

// PipelineConfig holds stage execution configuration
type PipelineConfig struct {
	DefaultProvider    string
	AllowedHosts       []string
	DownloadTimeout    time.Duration
	TranscribeTimeout  time.Duration
	FormatTimeout      time.Duration
	CheckpointInterval time.Duration
	SubscriberBuffer   int
	MaxConcurrentJobs  int
}

type DownloadConfig struct {
	YTDLPPath string
	Format    string
}

// OpenAIConfig configures the streaming speech-to-text provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// FormatterConfig configures the OpenAI-compatible chat model used for formatting.
type FormatterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Prompt  string
	Timeout time.Duration
}

// BailianConfig configures the upload-then-poll transcription provider.
type BailianConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	Language        string
	PollInterval    time.Duration
	MaxPollFailures int
	Timeout         time.Duration
}

// StorageConfig configures the S3-compatible object store.
type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	PublicEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
	SignExpiry      time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// LoadDotEnv loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return WrapError(err, "load "+p)
		}
	}
	return nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "sqlite"),
			DSN:              getEnv("DATABASE_URL", "file:./data.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			HTTPAddr:        getEnv("HTTP_ADDR", ":8000"),
			GRPCAddr:        getEnv("GRPC_ADDR", ":8080"),
			CORSOrigins:     getEnvAsList("CORS_ORIGINS", []string{"*"}),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "INFO"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Cache: CacheConfig{
			AudioDir:   getEnv("AUDIO_CACHE_DIR", "./cache"),
			StaleAfter: getEnvAsDuration("AUDIO_CACHE_STALE_AFTER", 15*time.Minute),
		},
		Pipeline: PipelineConfig{
			DefaultProvider:    getEnv("DEFAULT_PROVIDER", string(constants.ProviderOpenAI)),
			AllowedHosts:       getEnvAsList("ALLOWED_HOSTS", nil),
			DownloadTimeout:    getEnvAsDuration("DOWNLOAD_TIMEOUT", 10*time.Minute),
			TranscribeTimeout:  getEnvAsDuration("TRANSCRIBE_TIMEOUT", 30*time.Minute),
			FormatTimeout:      getEnvAsDuration("FORMAT_TIMEOUT", 10*time.Minute),
			CheckpointInterval: getEnvAsDuration("CHECKPOINT_INTERVAL", 2*time.Second),
			SubscriberBuffer:   getEnvAsInt("SUBSCRIBER_BUFFER", 256),
			MaxConcurrentJobs:  getEnvAsInt("MAX_CONCURRENT_JOBS", 0),
		},
		Download: DownloadConfig{
			YTDLPPath: getEnv("YTDLP_PATH", "yt-dlp"),
			Format:    getEnv("YTDLP_FORMAT", "worstaudio/worst"),
		},
		OpenAI: OpenAIConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("OPENAI_TRANSCRIBE_MODEL", constants.DefaultOpenAITranscribeModel),
			Timeout: getEnvAsDuration("OPENAI_TIMEOUT", 0),
		},
		Formatter: FormatterConfig{
			APIKey:  getEnv("DEEPSEEK_API_KEY", ""),
			BaseURL: getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
			Model:   getEnv("DEEPSEEK_MODEL", constants.DefaultFormatterModel),
			Prompt:  getEnv("FORMAT_PROMPT", ""),
			Timeout: getEnvAsDuration("DEEPSEEK_TIMEOUT", 0),
		},
		Bailian: BailianConfig{
			APIKey:          getEnv("DASHSCOPE_API_KEY", ""),
			BaseURL:         getEnv("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/api/v1"),
			Model:           getEnv("BAILIAN_MODEL", constants.DefaultBailianModel),
			Language:        getEnv("BAILIAN_LANGUAGE", "zh"),
			PollInterval:    getEnvAsDuration("BAILIAN_POLL_INTERVAL", 2*time.Second),
			MaxPollFailures: getEnvAsInt("BAILIAN_MAX_POLL_FAILURES", 3),
			Timeout:         getEnvAsDuration("BAILIAN_HTTP_TIMEOUT", 60*time.Second),
		},
		Storage: StorageConfig{
			Bucket:          getEnv("S3_BUCKET", ""),
			Region:          getEnv("S3_REGION", "garage"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			PublicEndpoint:  getEnv("S3_PUBLIC_ENDPOINT", ""),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SignExpiry:      time.Duration(getEnvAsInt("S3_SIGN_EXPIRE_SECONDS", 3600)) * time.Second,
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "transcript.jobs"),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return NewAppError(CodeConfig, "DB_DRIVER must be one of memory, sqlite, postgres", ErrValidation)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return NewAppError(CodeConfig, "DATABASE_URL is required", ErrValidation)
	}
	if c.Server.HTTPAddr == "" && c.Server.GRPCAddr == "" {
		return NewAppError(CodeConfig, "HTTP_ADDR or GRPC_ADDR is required", ErrValidation)
	}
	if c.Cache.AudioDir == "" {
		return NewAppError(CodeConfig, "AUDIO_CACHE_DIR is required", ErrValidation)
	}
	if _, ok := parseProvider(c.Pipeline.DefaultProvider); !ok {
		return NewAppError(CodeConfig, "DEFAULT_PROVIDER must be one of "+strings.Join(constants.ProviderNames(), ", "), ErrValidation)
	}
	if c.Bailian.MaxPollFailures < 0 {
		return NewAppError(CodeConfig, "BAILIAN_MAX_POLL_FAILURES must not be negative", ErrValidation)
	}
	return nil
}

// StorageEnabled reports whether object storage credentials are present.
func (c *Config) StorageEnabled() bool {
	s := c.Storage
	return s.Bucket != "" && s.Endpoint != "" && s.AccessKeyID != "" && s.SecretAccessKey != ""
}

func parseProvider(s string) (constants.Provider, bool) {
	for _, p := range constants.Providers {
		if string(p) == s {
			return p, true
		}
	}
	return "", false
}
