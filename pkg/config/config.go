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
	JWT      JWTConfig
	CORS     CORSConfig
	Log      LogConfig
	Sync     SyncConfig
	Admin    AdminConfig
	Backup   BackupConfig
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
	Secret     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// SyncConfig tunes the replication engine. Defaults mirror the production
// deployment: 15s polling, 1.5s push debounce, 15s echo grace window.
type SyncConfig struct {
	TableName    string
	RecordID     string
	DataDir      string
	PullInterval time.Duration
	PushDebounce time.Duration
	PushGrace    time.Duration
	PushRetry    time.Duration
	QueuedDelay  time.Duration
	SettleDelay  time.Duration

	// WipeGuardMin is the previously known record count above which a push
	// of zero records is refused unless the action is a factory reset.
	WipeGuardMin int

	// SuspiciousShrinkMin/Ratio classify a remote shrink as a mass-loss
	// candidate: more than Min records gone and remote below Ratio of local.
	SuspiciousShrinkMin   int
	SuspiciousShrinkRatio float64

	RealtimeChannel       string
	RealtimeMaxReconnects int
	RealtimeReconnectBase time.Duration
	RequestTimeout        time.Duration
}

// AdminConfig secures the HTTP admin surface used by the browser UI.
type AdminConfig struct {
	Username     string
	PasswordHash string
}

// BackupConfig controls the daily side-channel snapshots.
type BackupConfig struct {
	Enabled       bool
	TableName     string
	RetentionDays int
	CheckInterval time.Duration
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
		Secret:     v.GetString("JWT_SECRET"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Sync = SyncConfig{
		TableName:             v.GetString("SYNC_TABLE_NAME"),
		RecordID:              v.GetString("SYNC_RECORD_ID"),
		DataDir:               v.GetString("SYNC_DATA_DIR"),
		PullInterval:          parseDuration(v.GetString("SYNC_PULL_INTERVAL"), 15*time.Second),
		PushDebounce:          parseDuration(v.GetString("SYNC_PUSH_DEBOUNCE"), 1500*time.Millisecond),
		PushGrace:             parseDuration(v.GetString("SYNC_PUSH_GRACE"), 15*time.Second),
		PushRetry:             parseDuration(v.GetString("SYNC_PUSH_RETRY"), 5*time.Second),
		QueuedDelay:           parseDuration(v.GetString("SYNC_QUEUED_DELAY"), 300*time.Millisecond),
		SettleDelay:           parseDuration(v.GetString("SYNC_SETTLE_DELAY"), 500*time.Millisecond),
		WipeGuardMin:          v.GetInt("SYNC_WIPE_GUARD_MIN"),
		SuspiciousShrinkMin:   v.GetInt("SYNC_SUSPICIOUS_SHRINK_MIN"),
		SuspiciousShrinkRatio: v.GetFloat64("SYNC_SUSPICIOUS_SHRINK_RATIO"),
		RealtimeChannel:       v.GetString("SYNC_REALTIME_CHANNEL"),
		RealtimeMaxReconnects: v.GetInt("SYNC_REALTIME_MAX_RECONNECTS"),
		RealtimeReconnectBase: parseDuration(v.GetString("SYNC_REALTIME_RECONNECT_BASE"), 10*time.Second),
		RequestTimeout:        parseDuration(v.GetString("SYNC_REQUEST_TIMEOUT"), 8*time.Second),
	}

	cfg.Admin = AdminConfig{
		Username:     v.GetString("ADMIN_USERNAME"),
		PasswordHash: v.GetString("ADMIN_PASSWORD_HASH"),
	}

	cfg.Backup = BackupConfig{
		Enabled:       v.GetBool("BACKUP_ENABLED"),
		TableName:     v.GetString("BACKUP_TABLE_NAME"),
		RetentionDays: v.GetInt("BACKUP_RETENTION_DAYS"),
		CheckInterval: parseDuration(v.GetString("BACKUP_CHECK_INTERVAL"), time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8090)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "academy_sync")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("SYNC_TABLE_NAME", "academy_data")
	v.SetDefault("SYNC_RECORD_ID", "academy_main")
	v.SetDefault("SYNC_DATA_DIR", "./data")
	v.SetDefault("SYNC_PULL_INTERVAL", "15s")
	v.SetDefault("SYNC_PUSH_DEBOUNCE", "1500ms")
	v.SetDefault("SYNC_PUSH_GRACE", "15s")
	v.SetDefault("SYNC_PUSH_RETRY", "5s")
	v.SetDefault("SYNC_QUEUED_DELAY", "300ms")
	v.SetDefault("SYNC_SETTLE_DELAY", "500ms")
	v.SetDefault("SYNC_WIPE_GUARD_MIN", 5)
	v.SetDefault("SYNC_SUSPICIOUS_SHRINK_MIN", 5)
	v.SetDefault("SYNC_SUSPICIOUS_SHRINK_RATIO", 0.5)
	v.SetDefault("SYNC_REALTIME_CHANNEL", "academy:sync")
	v.SetDefault("SYNC_REALTIME_MAX_RECONNECTS", 3)
	v.SetDefault("SYNC_REALTIME_RECONNECT_BASE", "10s")
	v.SetDefault("SYNC_REQUEST_TIMEOUT", "8s")

	v.SetDefault("ADMIN_USERNAME", "admin")
	v.SetDefault("ADMIN_PASSWORD_HASH", "")

	v.SetDefault("BACKUP_ENABLED", true)
	v.SetDefault("BACKUP_TABLE_NAME", "academy_backups")
	v.SetDefault("BACKUP_RETENTION_DAYS", 7)
	v.SetDefault("BACKUP_CHECK_INTERVAL", "1h")
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
