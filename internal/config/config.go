package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Server   ServerConfig
	Gemini   GeminiConfig
	Git      GitConfig
	Worker   WorkerConfig
	VaultKey []byte
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection and dispatch-stream settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
	Stream   string
	Group    string
	Consumer string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	CORSOrigins   []string
	ChatRateLimit float64
	ChatRateBurst int
}

// GeminiConfig holds model extraction settings.
type GeminiConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GitConfig holds the target Terraform repository settings.
type GitConfig struct {
	RepoURL         string
	Owner           string
	Name            string
	AuthorName      string
	AuthorEmail     string
	TokenSecretName string
	DatasetsDir     string
}

// WorkerConfig holds pipeline drain settings.
type WorkerConfig struct {
	BatchSize     int
	MaxIterations int
	PullBlock     time.Duration
	ClaimMinIdle  time.Duration
	DrainInterval time.Duration
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (vault key, DB password) must be set explicitly.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("DATAPR_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("DATAPR_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("DATAPR_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("DATAPR_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("DATAPR_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chatRate, err := getEnvFloat("DATAPR_CHAT_RATE_LIMIT", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	chatBurst, err := getEnvInt("DATAPR_CHAT_RATE_BURST", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	geminiTimeout, err := getEnvDuration("DATAPR_GEMINI_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	batchSize, err := getEnvInt("DATAPR_WORKER_BATCH_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxIterations, err := getEnvInt("DATAPR_WORKER_MAX_ITERATIONS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	pullBlock, err := getEnvDuration("DATAPR_WORKER_PULL_BLOCK", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	claimMinIdle, err := getEnvDuration("DATAPR_WORKER_CLAIM_MIN_IDLE", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	drainInterval, err := getEnvDuration("DATAPR_WORKER_DRAIN_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Optional here: only the worker binary constructs a vault, so presence
	// is enforced in ValidateWorker.
	vaultKey, err := getEnvHexKey("DATAPR_VAULT_KEY")
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("DATAPR_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DATAPR_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DATAPR_DB_USER", "datapr"),
			Password: getEnv("DATAPR_DB_PASSWORD", ""),
			DBName:   getEnv("DATAPR_DB_NAME", "datapr_dev"),
			SSLMode:  getEnv("DATAPR_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("DATAPR_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("DATAPR_REDIS_PASSWORD", ""),
			DB:       redisDB,
			Stream:   getEnv("DATAPR_REDIS_STREAM", "datapr:requests"),
			Group:    getEnv("DATAPR_REDIS_GROUP", "datapr-workers"),
			Consumer: getEnv("DATAPR_REDIS_CONSUMER", defaultConsumer()),
		},
		Server: ServerConfig{
			Addr:          getEnv("DATAPR_SERVER_ADDR", ":8080"),
			ReadTimeout:   readTimeout,
			WriteTimeout:  writeTimeout,
			CORSOrigins:   corsOrigins,
			ChatRateLimit: chatRate,
			ChatRateBurst: chatBurst,
		},
		Gemini: GeminiConfig{
			APIKey:  getEnv("DATAPR_GEMINI_API_KEY", ""),
			Model:   getEnv("DATAPR_GEMINI_MODEL", "gemini-2.0-flash"),
			Timeout: geminiTimeout,
		},
		Git: GitConfig{
			RepoURL:         getEnv("DATAPR_GIT_REPO_URL", ""),
			Owner:           getEnv("DATAPR_GIT_OWNER", ""),
			Name:            getEnv("DATAPR_GIT_REPO_NAME", ""),
			AuthorName:      getEnv("DATAPR_GIT_AUTHOR_NAME", "datapr-bot"),
			AuthorEmail:     getEnv("DATAPR_GIT_AUTHOR_EMAIL", "datapr-bot@users.noreply.github.com"),
			TokenSecretName: getEnv("DATAPR_GIT_TOKEN_SECRET", "github-token"),
			DatasetsDir:     getEnv("DATAPR_GIT_DATASETS_DIR", "datasets"),
		},
		Worker: WorkerConfig{
			BatchSize:     batchSize,
			MaxIterations: maxIterations,
			PullBlock:     pullBlock,
			ClaimMinIdle:  claimMinIdle,
			DrainInterval: drainInterval,
		},
		VaultKey: vaultKey,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if len(c.VaultKey) != 0 && len(c.VaultKey) != 32 {
		return errors.New("DATAPR_VAULT_KEY must decode to 32 bytes")
	}

	if c.Database.SSLMode == "disable" {
		log.Warn().Msg("DATAPR_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DATAPR_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("DATAPR_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("DATAPR_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("DATAPR_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ChatRateLimit <= 0 {
		return fmt.Errorf("DATAPR_CHAT_RATE_LIMIT must be positive, got %g", c.Server.ChatRateLimit)
	}
	if c.Server.ChatRateBurst < 1 {
		return fmt.Errorf("DATAPR_CHAT_RATE_BURST must be >= 1, got %d", c.Server.ChatRateBurst)
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("DATAPR_WORKER_BATCH_SIZE must be >= 1, got %d", c.Worker.BatchSize)
	}
	if c.Worker.MaxIterations < 1 {
		return fmt.Errorf("DATAPR_WORKER_MAX_ITERATIONS must be >= 1, got %d", c.Worker.MaxIterations)
	}
	if c.Worker.ClaimMinIdle <= 0 {
		return fmt.Errorf("DATAPR_WORKER_CLAIM_MIN_IDLE must be positive, got %s", c.Worker.ClaimMinIdle)
	}
	if c.Worker.DrainInterval <= 0 {
		return fmt.Errorf("DATAPR_WORKER_DRAIN_INTERVAL must be positive, got %s", c.Worker.DrainInterval)
	}

	return nil
}

// ValidateAPI checks the fields only the HTTP API binary needs.
func (c *Config) ValidateAPI() error {
	if c.Gemini.APIKey == "" {
		return errors.New("DATAPR_GEMINI_API_KEY is required")
	}
	return nil
}

// ValidateWorker checks the fields only the pipeline worker needs.
func (c *Config) ValidateWorker() error {
	if len(c.VaultKey) != 32 {
		return errors.New("DATAPR_VAULT_KEY must be set and decode to 32 bytes")
	}
	if c.Git.RepoURL == "" {
		return errors.New("DATAPR_GIT_REPO_URL is required")
	}
	if c.Git.Owner == "" || c.Git.Name == "" {
		return errors.New("DATAPR_GIT_OWNER and DATAPR_GIT_REPO_NAME are required")
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// defaultConsumer derives a stable per-host consumer name so pending
// entries survive a restart of the same worker instance.
func defaultConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "datapr-worker"
	}
	return "datapr-worker-" + host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvHexKey(key string) ([]byte, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("parsing %s as hex: %w", key, err)
	}
	return b, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
