package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig

	Devices   DevicesConfig
	Firmware  FirmwareConfig
	Rollouts  RolloutsConfig
	Dashboard DashboardConfig
	Webhooks  WebhooksConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// DevicesConfig tunes device registry behaviour.
type DevicesConfig struct {
	// OfflineAfter is how long a device may stay silent before it is
	// reported as offline.
	OfflineAfter time.Duration
}

// FirmwareConfig controls firmware binary storage and signed downloads.
type FirmwareConfig struct {
	StorageDir       string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	MaxFileSizeBytes int64
}

// RolloutsConfig governs staged rollout defaults and the auto-expand evaluator.
type RolloutsConfig struct {
	// DefaultStages is the stage percentage sequence applied when a create
	// request omits or supplies a malformed sequence.
	DefaultStages []int
	// DefaultFailureThreshold is the failure-rate percentage at which an
	// active rollout pauses itself.
	DefaultFailureThreshold int
	// DefaultExpandAfter is the dwell time before auto-expansion becomes
	// eligible.
	DefaultExpandAfter time.Duration
	// EvaluateInterval is the auto-expand evaluator polling period.
	EvaluateInterval time.Duration
}

// DashboardConfig governs dashboard summary caching.
type DashboardConfig struct {
	CacheTTL time.Duration
}

// WebhooksConfig tunes outbound webhook delivery.
type WebhooksConfig struct {
	Enabled        bool
	Workers        int
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Devices = DevicesConfig{
		OfflineAfter: parseDuration(v.GetString("DEVICES_OFFLINE_AFTER"), 10*time.Minute),
	}

	maxFirmwareSize := v.GetInt64("FIRMWARE_MAX_FILE_SIZE")
	if maxFirmwareSize <= 0 {
		maxFirmwareSize = 64 * 1024 * 1024
	}
	cfg.Firmware = FirmwareConfig{
		StorageDir:       v.GetString("FIRMWARE_STORAGE_DIR"),
		SignedURLSecret:  v.GetString("FIRMWARE_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("FIRMWARE_SIGNED_URL_TTL"), 30*time.Minute),
		MaxFileSizeBytes: maxFirmwareSize,
	}

	cfg.Rollouts = RolloutsConfig{
		DefaultStages:           splitPercentages(v.GetString("ROLLOUT_DEFAULT_STAGES")),
		DefaultFailureThreshold: v.GetInt("ROLLOUT_DEFAULT_FAILURE_THRESHOLD"),
		DefaultExpandAfter:      parseDuration(v.GetString("ROLLOUT_DEFAULT_EXPAND_AFTER"), 30*time.Minute),
		EvaluateInterval:        parseDuration(v.GetString("ROLLOUT_EVALUATE_INTERVAL"), time.Minute),
	}

	cfg.Dashboard = DashboardConfig{
		CacheTTL: parseDuration(v.GetString("DASHBOARD_CACHE_TTL"), 30*time.Second),
	}

	cfg.Webhooks = WebhooksConfig{
		Enabled:        v.GetBool("ENABLE_WEBHOOKS"),
		Workers:        v.GetInt("WEBHOOK_WORKERS"),
		MaxRetries:     v.GetInt("WEBHOOK_MAX_RETRIES"),
		RetryDelay:     parseDuration(v.GetString("WEBHOOK_RETRY_DELAY"), 5*time.Second),
		RequestTimeout: parseDuration(v.GetString("WEBHOOK_REQUEST_TIMEOUT"), 10*time.Second),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "fleet_api")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DEVICES_OFFLINE_AFTER", "10m")

	v.SetDefault("FIRMWARE_STORAGE_DIR", "./firmware")
	v.SetDefault("FIRMWARE_SIGNED_URL_SECRET", "dev_firmware_secret")
	v.SetDefault("FIRMWARE_SIGNED_URL_TTL", "30m")
	v.SetDefault("FIRMWARE_MAX_FILE_SIZE", 64*1024*1024)

	v.SetDefault("ROLLOUT_DEFAULT_STAGES", "5,25,50,100")
	v.SetDefault("ROLLOUT_DEFAULT_FAILURE_THRESHOLD", 10)
	v.SetDefault("ROLLOUT_DEFAULT_EXPAND_AFTER", "30m")
	v.SetDefault("ROLLOUT_EVALUATE_INTERVAL", "1m")

	v.SetDefault("DASHBOARD_CACHE_TTL", "30s")

	v.SetDefault("ENABLE_WEBHOOKS", false)
	v.SetDefault("WEBHOOK_WORKERS", 2)
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_RETRY_DELAY", "5s")
	v.SetDefault("WEBHOOK_REQUEST_TIMEOUT", "10s")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func splitPercentages(raw string) []int {
	parts := splitAndTrim(raw)
	if len(parts) == 0 {
		return nil
	}
	result := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil
		}
		result = append(result, n)
	}
	return result
}
