package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	pkgconfig "github.com/Skotchmaster/pdf_translator/pkg/config"
)

type Config struct {
	ServiceName string
	Port        string
	LogLevel    string
	UILang      string
	CORSOrigins []string

	DBDriver    string
	DatabaseURL string

	JWTSecret       []byte
	RefreshSecret   []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	DataDir        string
	MaxUploadBytes int64
	StorageBackend string
	S3             S3Config

	WorkerCount         int
	QueueSize           int
	EngineTimeout       time.Duration
	EngineURL           string
	EngineCommand       string
	EngineCallbackToken string
	PublicURL           string

	KafkaBrokers    []string
	ES              ESConfig
	RedisAddr       string
	SubmitRateLimit int
	SubmitWindow    time.Duration

	ConfigEncryptionKey []byte
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

type ESConfig struct {
	URL      string
	User     string
	Password string
	Index    string
}

func Load() *Config {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Notice: .env file not found: %v. Using system environment variables", err)
	}

	dataDir := pkgconfig.EnvDefault("DATA_DIR", "data")

	cfg := &Config{
		ServiceName: pkgconfig.EnvDefault("SERVICE_NAME", "pdf_translator"),
		Port:        pkgconfig.EnvDefault("SERVER_PORT", "8000"),
		LogLevel:    pkgconfig.EnvDefault("LOG_LEVEL", "info"),
		UILang:      pkgconfig.EnvDefault("UI_LANG", "en"),
		CORSOrigins: pkgconfig.CSV(pkgconfig.EnvDefault("CORS_ORIGINS", "*")),

		DBDriver:    pkgconfig.EnvDefault("DB_DRIVER", "sqlite"),
		DatabaseURL: pkgconfig.EnvDefault("DATABASE_URL", filepath.Join(dataDir, "pdf_translator.db")),

		JWTSecret:       []byte(pkgconfig.EnvDefault("JWT_SECRET_KEY", "")),
		RefreshSecret:   []byte(pkgconfig.EnvDefault("JWT_REFRESH_SECRET", "")),
		AccessTokenTTL:  pkgconfig.EnvDurationDefault("ACCESS_TOKEN_TTL", 24*time.Hour),
		RefreshTokenTTL: pkgconfig.EnvDurationDefault("REFRESH_TOKEN_TTL", 7*24*time.Hour),

		DataDir:        dataDir,
		MaxUploadBytes: int64(pkgconfig.EnvIntDefault("MAX_UPLOAD_MB", 100)) << 20,
		StorageBackend: pkgconfig.EnvDefault("STORAGE_BACKEND", "local"),
		S3: S3Config{
			Bucket:          pkgconfig.EnvDefault("S3_BUCKET", ""),
			Region:          pkgconfig.EnvDefault("S3_REGION", "us-east-1"),
			Endpoint:        pkgconfig.EnvDefault("S3_ENDPOINT", ""),
			AccessKeyID:     pkgconfig.EnvDefault("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: pkgconfig.EnvDefault("S3_SECRET_ACCESS_KEY", ""),
		},

		WorkerCount:         pkgconfig.EnvIntDefault("WORKER_COUNT", 2),
		QueueSize:           pkgconfig.EnvIntDefault("QUEUE_SIZE", 64),
		EngineTimeout:       pkgconfig.EnvDurationDefault("ENGINE_TIMEOUT", 30*time.Minute),
		EngineURL:           pkgconfig.EnvDefault("ENGINE_URL", ""),
		EngineCommand:       pkgconfig.EnvDefault("ENGINE_COMMAND", "pdf2zh"),
		EngineCallbackToken: pkgconfig.EnvDefault("ENGINE_CALLBACK_TOKEN", ""),
		PublicURL:           pkgconfig.EnvDefault("PUBLIC_URL", ""),

		KafkaBrokers: pkgconfig.CSV(pkgconfig.EnvDefault("KAFKA_BROKERS", "")),
		ES: ESConfig{
			URL:      pkgconfig.EnvDefault("ES_URL", ""),
			User:     pkgconfig.EnvDefault("ES_USER", ""),
			Password: pkgconfig.EnvDefault("ES_PASSWORD", ""),
			Index:    pkgconfig.EnvDefault("ES_INDEX", "translation_jobs"),
		},
		RedisAddr:       pkgconfig.EnvDefault("REDIS_ADDR", ""),
		SubmitRateLimit: pkgconfig.EnvIntDefault("SUBMIT_RATE_LIMIT", 10),
		SubmitWindow:    pkgconfig.EnvDurationDefault("SUBMIT_RATE_WINDOW", time.Minute),

		ConfigEncryptionKey: []byte(pkgconfig.EnvDefault("CONFIG_ENCRYPTION_KEY", "")),
	}

	pkgconfig.MustNonEmptyBytes(cfg.JWTSecret, "JWT_SECRET_KEY")
	pkgconfig.MustOneOf(cfg.DBDriver, "DB_DRIVER", "postgres", "sqlite")
	pkgconfig.MustOneOf(cfg.StorageBackend, "STORAGE_BACKEND", "local", "s3")
	pkgconfig.MustKeyLen(cfg.ConfigEncryptionKey, "CONFIG_ENCRYPTION_KEY", 32)
	if cfg.StorageBackend == "s3" {
		pkgconfig.MustNonEmptyBytes([]byte(cfg.S3.Bucket), "S3_BUCKET")
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}
	if cfg.EngineURL != "" {
		pkgconfig.MustNonEmptyBytes([]byte(cfg.EngineCallbackToken), "ENGINE_CALLBACK_TOKEN")
	}

	return cfg
}
