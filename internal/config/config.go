package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Security   SecurityConfig   `yaml:"security"`
	Collection CollectionConfig `yaml:"collection"`
	Regtech    RegtechConfig    `yaml:"regtech"`
	Webhooks   WebhooksConfig   `yaml:"webhooks"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s connect_timeout=10",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

type CacheConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

func (c CacheConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SecurityConfig struct {
	// MasterKey and EncSalt drive the PBKDF2 derivation for the credential
	// store. Never logged.
	MasterKey     string `yaml:"-"`
	EncSalt       string `yaml:"-"`
	CollectionKey string `yaml:"-"` // shared secret for /api/collection/ingest
	WebhookSecret string `yaml:"-"`
}

type CollectionConfig struct {
	Disabled        bool `yaml:"disabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	BatchSize       int  `yaml:"batch_size"`
	PageSize        int  `yaml:"page_size"`
	MaxPages        int  `yaml:"max_pages"`
	ParallelSources int  `yaml:"parallel_sources"`
}

func (c CollectionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type RegtechConfig struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
}

type WebhooksConfig struct {
	URLs []string `yaml:"urls"`
}

// Load assembles configuration from the environment, optionally seeded by a
// .env file and a YAML file named in CONFIG_FILE. Environment variables win
// over YAML values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlayEnv(cfg)
	applyDefaults(cfg)

	if cfg.Security.MasterKey == "" {
		return nil, fmt.Errorf("BLACKLIST_MASTER_KEY is required")
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "APP_ENV")

	setStr(&cfg.Database.Host, "DB_HOST")
	setInt(&cfg.Database.Port, "DB_PORT")
	setStr(&cfg.Database.Name, "DB_NAME")
	setStr(&cfg.Database.User, "DB_USER")
	setStr(&cfg.Database.Password, "DB_PASSWORD")
	setStr(&cfg.Database.SSLMode, "DB_SSLMODE")

	setStr(&cfg.Cache.Host, "REDIS_HOST")
	setInt(&cfg.Cache.Port, "REDIS_PORT")
	setInt(&cfg.Cache.DB, "REDIS_DB")

	setStr(&cfg.Security.MasterKey, "BLACKLIST_MASTER_KEY")
	setStr(&cfg.Security.EncSalt, "BLACKLIST_ENC_SALT")
	setStr(&cfg.Security.CollectionKey, "COLLECTION_API_KEY")
	setStr(&cfg.Security.WebhookSecret, "WEBHOOK_SECRET")

	setBool(&cfg.Collection.Disabled, "DISABLE_AUTO_COLLECTION")
	setInt(&cfg.Collection.IntervalSeconds, "COLLECTION_INTERVAL")
	setInt(&cfg.Collection.BatchSize, "BATCH_SIZE")
	setInt(&cfg.Collection.PageSize, "PAGE_SIZE")
	setInt(&cfg.Collection.MaxPages, "MAX_PAGES_PER_COLLECTION")
	setInt(&cfg.Collection.ParallelSources, "PARALLEL_SOURCES")

	setStr(&cfg.Regtech.BaseURL, "REGTECH_BASE_URL")
	setStr(&cfg.Regtech.Username, "REGTECH_USERNAME")
	setStr(&cfg.Regtech.Password, "REGTECH_PASSWORD")

	if v := os.Getenv("WEBHOOK_URLS"); v != "" {
		cfg.Webhooks.URLs = splitAndTrim(v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "2542"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "production"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "blacklist"
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Cache.Host == "" {
		cfg.Cache.Host = "localhost"
	}
	if cfg.Cache.Port == 0 {
		cfg.Cache.Port = 6379
	}
	if cfg.Security.EncSalt == "" {
		cfg.Security.EncSalt = "blacklist-credential-salt"
	}
	if cfg.Collection.IntervalSeconds == 0 {
		cfg.Collection.IntervalSeconds = 3600
	}
	if cfg.Collection.BatchSize == 0 {
		cfg.Collection.BatchSize = 2000
	}
	if cfg.Collection.PageSize == 0 {
		cfg.Collection.PageSize = 100
	}
	if cfg.Collection.MaxPages == 0 {
		cfg.Collection.MaxPages = 50
	}
	if cfg.Collection.ParallelSources == 0 {
		cfg.Collection.ParallelSources = 5
	}
	if cfg.Regtech.BaseURL == "" {
		cfg.Regtech.BaseURL = "https://regtech.fsec.or.kr"
	}
}

func setStr(dst *string, key string) {
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

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
