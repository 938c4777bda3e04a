package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Token    TokenConfig
	Chat     ChatConfig
	Session  SessionConfig
	Progress ProgressConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	InstanceID         string // tags realtime events published to Redis; random when empty
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/classroom?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int32
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// TokenConfig holds video access token settings.
type TokenConfig struct {
	Secret            string // passphrase the AEAD key is derived from
	RefreshAfter      time.Duration
	ResolveTimeout    time.Duration
	DecryptRatePerMin int
}

// ChatConfig holds chat room limits.
type ChatConfig struct {
	HistoryLimit     int
	MaxMessageLength int
	AdminDisplayName string
}

// SessionConfig holds live session gate settings.
type SessionConfig struct {
	JoinWindow   time.Duration
	TickInterval time.Duration
}

// ProgressConfig holds watch progress settings.
type ProgressConfig struct {
	MinPositionSeconds float64
	ResumeExpiry       time.Duration // 0 disables expiry
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	MediaBucket          string
	ArchiveBucket        string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			InstanceID:         getEnv("INSTANCE_ID", ""),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "classroom"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Token: TokenConfig{
			Secret:            getEnv("TOKEN_SECRET", ""),
			RefreshAfter:      time.Duration(getEnvInt("TOKEN_REFRESH_AFTER_MIN", 30)) * time.Minute,
			ResolveTimeout:    time.Duration(getEnvInt("TOKEN_RESOLVE_TIMEOUT_SEC", 10)) * time.Second,
			DecryptRatePerMin: getEnvInt("TOKEN_DECRYPT_RATE_PER_MIN", 60),
		},
		Chat: ChatConfig{
			HistoryLimit:     getEnvInt("CHAT_HISTORY_LIMIT", 500),
			MaxMessageLength: getEnvInt("CHAT_MAX_MESSAGE_LENGTH", 1000),
			AdminDisplayName: getEnv("CHAT_ADMIN_DISPLAY_NAME", "Admin"),
		},
		Session: SessionConfig{
			JoinWindow:   time.Duration(getEnvInt("SESSION_JOIN_WINDOW_MIN", 15)) * time.Minute,
			TickInterval: time.Duration(getEnvInt("SESSION_TICK_SECONDS", 5)) * time.Second,
		},
		Progress: ProgressConfig{
			MinPositionSeconds: getEnvFloat("PROGRESS_MIN_POSITION_SECONDS", 5),
			ResumeExpiry:       time.Duration(getEnvInt("PROGRESS_RESUME_EXPIRY_HOURS", 0)) * time.Hour,
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			MediaBucket:          getEnv("AWS_S3_MEDIA_BUCKET", "classroom-media"),
			ArchiveBucket:        getEnv("AWS_S3_ARCHIVE_BUCKET", "classroom-chat-archive"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	if cfg.Token.Secret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
