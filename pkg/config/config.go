package config

import (
	"errors"
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
	Auth     AuthConfig
	CORS     CORSConfig
	Log      LogConfig
	Monitor  MonitorConfig
	Recheck  RecheckConfig
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

// AuthConfig holds what the API needs to validate bearer tokens issued by the
// external authentication service.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// MonitorConfig tunes the monitoring-room query engine.
type MonitorConfig struct {
	DefaultPageSize  int
	MaxPageSize      int
	PrefetchRadius   int
	DebounceInterval time.Duration
	SessionTTL       time.Duration
	SummaryTTL       time.Duration
	ExportRowLimit   int
}

// RecheckConfig points at the external verification trigger service.
type RecheckConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
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

	cfg.Auth = AuthConfig{
		Secret:   v.GetString("AUTH_TOKEN_SECRET"),
		Issuer:   v.GetString("AUTH_TOKEN_ISSUER"),
		Audience: splitAndTrim(v.GetString("AUTH_TOKEN_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Monitor = MonitorConfig{
		DefaultPageSize:  v.GetInt("MONITOR_DEFAULT_PAGE_SIZE"),
		MaxPageSize:      v.GetInt("MONITOR_MAX_PAGE_SIZE"),
		PrefetchRadius:   v.GetInt("MONITOR_PREFETCH_RADIUS"),
		DebounceInterval: parseDuration(v.GetString("MONITOR_DEBOUNCE_INTERVAL"), 500*time.Millisecond),
		SessionTTL:       parseDuration(v.GetString("MONITOR_SESSION_TTL"), 30*time.Minute),
		SummaryTTL:       parseDuration(v.GetString("MONITOR_SUMMARY_TTL"), 5*time.Minute),
		ExportRowLimit:   v.GetInt("MONITOR_EXPORT_ROW_LIMIT"),
	}

	cfg.Recheck = RecheckConfig{
		BaseURL: v.GetString("RECHECK_BASE_URL"),
		Token:   v.GetString("RECHECK_TOKEN"),
		Timeout: parseDuration(v.GetString("RECHECK_TIMEOUT"), 30*time.Second),
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
	v.SetDefault("DB_NAME", "vatwatch")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("AUTH_TOKEN_SECRET", "dev_secret")
	v.SetDefault("AUTH_TOKEN_ISSUER", "")
	v.SetDefault("AUTH_TOKEN_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("MONITOR_DEFAULT_PAGE_SIZE", 15)
	v.SetDefault("MONITOR_MAX_PAGE_SIZE", 100)
	v.SetDefault("MONITOR_PREFETCH_RADIUS", 2)
	v.SetDefault("MONITOR_DEBOUNCE_INTERVAL", "500ms")
	v.SetDefault("MONITOR_SESSION_TTL", "30m")
	v.SetDefault("MONITOR_SUMMARY_TTL", "5m")
	v.SetDefault("MONITOR_EXPORT_ROW_LIMIT", 10000)

	v.SetDefault("RECHECK_BASE_URL", "http://localhost:9090")
	v.SetDefault("RECHECK_TOKEN", "")
	v.SetDefault("RECHECK_TIMEOUT", "30s")
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
