package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	WhatsApp  WhatsAppConfig
	Template  TemplateConfig
	Webhook   WebhookConfig
	Dispatch  DispatchConfig
	Store     StoreConfig
	Redis     RedisConfig
	Retention RetentionConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Address string
}

type WhatsAppConfig struct {
	APIURL        string
	APIVersion    string
	Token         string
	PhoneNumberID string
	Timeout       time.Duration
	RatePerSec    int
}

type TemplateConfig struct {
	Name     string
	Language string
	// ParamCount < 0 disables the arity check.
	ParamCount int
}

type WebhookConfig struct {
	VerifyToken string
	AppSecret   string
}

type DispatchConfig struct {
	Concurrency int
	RetryLimit  int
	RetryBase   time.Duration
	RetryMax    time.Duration
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	PostgresURL string
	MaxConns    int
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type RetentionConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
}

// LoadAll reads the configuration from the environment. Every problem found
// is reported, not just the first.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		WhatsApp: WhatsAppConfig{
			APIURL:        getEnv("WHATSAPP_API_URL", "https://graph.facebook.com"),
			APIVersion:    getEnv("WHATSAPP_API_VERSION", "v17.0"),
			Token:         str("WHATSAPP_TOKEN"),
			PhoneNumberID: str("PHONE_NUMBER_ID"),
			Timeout:       time.Duration(num("WHATSAPP_TIMEOUT_SECONDS", 15)) * time.Second,
			RatePerSec:    num("WHATSAPP_RATE_PER_SEC", 0),
		},
		Template: TemplateConfig{
			Name:       str("TEMPLATE_NAME"),
			Language:   getEnv("TEMPLATE_LANG", "en_US"),
			ParamCount: num("TEMPLATE_PARAM_COUNT", -1),
		},
		Webhook: WebhookConfig{
			VerifyToken: getEnv("WEBHOOK_VERIFY_TOKEN", "verify_token"),
			AppSecret:   os.Getenv("WEBHOOK_APP_SECRET"),
		},
		Dispatch: DispatchConfig{
			Concurrency: num("CONCURRENCY", 40),
			RetryLimit:  num("RETRY_LIMIT", 3),
			RetryBase:   time.Duration(num("RETRY_BASE_MS", 500)) * time.Millisecond,
			RetryMax:    time.Duration(num("RETRY_MAX_MS", 30000)) * time.Millisecond,
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("SQLITE_PATH", "data/jobs.db"),
			MaxConns:   num("DB_MAX_CONNS", 0),
		},
		Retention: RetentionConfig{
			Interval: time.Duration(num("RETENTION_INTERVAL_SECONDS", 3600)) * time.Second,
			MaxAge:   time.Duration(num("RETENTION_MAX_AGE_HOURS", 168)) * time.Hour,
		},
	}
	cfg.Retention.Enabled = cfg.Retention.MaxAge > 0

	if cfg.Store.Driver == DriverPostgres {
		cfg.Store.PostgresURL = str("POSTGRES_URL")
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg

	level, err := parseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.LogLevel = level

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 604800)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errors.Join(dbErr, ttlErr)
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.WhatsApp.Timeout <= 0 {
		errs = append(errs, errors.New("WHATSAPP_TIMEOUT_SECONDS must be > 0"))
	}
	if cfg.WhatsApp.RatePerSec < 0 {
		errs = append(errs, errors.New("WHATSAPP_RATE_PER_SEC must be >= 0"))
	}
	if cfg.Dispatch.Concurrency <= 0 {
		errs = append(errs, errors.New("CONCURRENCY must be > 0"))
	}
	if cfg.Dispatch.RetryLimit < 0 {
		errs = append(errs, errors.New("RETRY_LIMIT must be >= 0"))
	}
	if cfg.Dispatch.RetryBase <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_MS must be > 0"))
	}
	if cfg.Dispatch.RetryMax < cfg.Dispatch.RetryBase {
		errs = append(errs, errors.New("RETRY_MAX_MS must be >= RETRY_BASE_MS"))
	}
	switch cfg.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres: got %q", cfg.Store.Driver))
	}
	if cfg.Retention.Enabled && cfg.Retention.Interval <= 0 {
		errs = append(errs, errors.New("RETENTION_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Retention.MaxAge < 0 {
		errs = append(errs, errors.New("RETENTION_MAX_AGE_HOURS must be >= 0"))
	}
	return errs
}

// Warnings lists settings that load fine but leave a safety check off.
func (c *Config) Warnings() []string {
	var w []string
	if c.Template.ParamCount < 0 {
		w = append(w, "TEMPLATE_PARAM_COUNT not set: template arity is not checked before sending")
	}
	if c.Webhook.AppSecret == "" {
		w = append(w, "WEBHOOK_APP_SECRET not set: webhook signatures are not verified")
	}
	return w
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
	return l, nil
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
