package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Store kinds.
const (
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Fetcher kinds.
const (
	FetcherHTTP    = "http"
	FetcherBrowser = "browser"
)

// Config is the runtime configuration of the service.
type Config struct {
	Port           int           `mapstructure:"port"`
	Log            LogConfig     `mapstructure:"log"`
	ScrapeInterval time.Duration `mapstructure:"scrape_interval"`
	ScrapeLimit    int           `mapstructure:"scrape_limit"`
	MaxArticles    int           `mapstructure:"max_articles"`
	DetailDelay    time.Duration `mapstructure:"detail_delay"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	Fetcher        string        `mapstructure:"fetcher"`
	UserAgent      string        `mapstructure:"user_agent"`
	ProfilePath    string        `mapstructure:"profile_path"`
	StoreKind      string        `mapstructure:"store_kind"`
	DataFile       string        `mapstructure:"data_file"`
	SQLitePath     string        `mapstructure:"sqlite_path"`
	DB             DBConfig      `mapstructure:"db"`
	Redis          RedisConfig   `mapstructure:"redis"`
}

// LogConfig holds LOG_LEVEL and LOG_FILE.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DBConfig holds the DB_* PostgreSQL settings.
type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig holds REDIS_ADDR and REDIS_KEY. An empty address keeps the
// seen set in memory.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	Key  string `mapstructure:"key"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Port: 3000,
		Log: LogConfig{
			Level: "info",
		},
		ScrapeInterval: 15 * time.Minute,
		ScrapeLimit:    15,
		MaxArticles:    500,
		DetailDelay:    time.Second,
		FetchTimeout:   10 * time.Second,
		Fetcher:        FetcherHTTP,
		StoreKind:      StoreFile,
		DataFile:       "data/bors-nyheter.json",
		SQLitePath:     "data/borsradar.db",
		DB: DBConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "news-db",
			User:     "postgres",
			SSLMode:  "disable",
			MaxConns: 4,
		},
		Redis: RedisConfig{
			Key: "borsradar:seen-urls",
		},
	}
}

// Load builds the configuration. Priority (highest to lowest): environment
// (including a .env file in the working directory), config file, defaults.
// An empty path searches the default locations; a missing file is only an
// error when path was given explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	// DB_HOST maps to db.host
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("port", cfg.Port)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("scrape_interval", cfg.ScrapeInterval)
	v.SetDefault("scrape_limit", cfg.ScrapeLimit)
	v.SetDefault("max_articles", cfg.MaxArticles)
	v.SetDefault("detail_delay", cfg.DetailDelay)
	v.SetDefault("fetch_timeout", cfg.FetchTimeout)
	v.SetDefault("fetcher", cfg.Fetcher)
	v.SetDefault("user_agent", cfg.UserAgent)
	v.SetDefault("profile_path", cfg.ProfilePath)
	v.SetDefault("store_kind", cfg.StoreKind)
	v.SetDefault("data_file", cfg.DataFile)
	v.SetDefault("sqlite_path", cfg.SQLitePath)

	v.SetDefault("db.host", cfg.DB.Host)
	v.SetDefault("db.port", cfg.DB.Port)
	v.SetDefault("db.name", cfg.DB.Name)
	v.SetDefault("db.user", cfg.DB.User)
	v.SetDefault("db.password", cfg.DB.Password)
	v.SetDefault("db.sslmode", cfg.DB.SSLMode)
	v.SetDefault("db.max_conns", cfg.DB.MaxConns)

	v.SetDefault("redis.addr", cfg.Redis.Addr)
	v.SetDefault("redis.key", cfg.Redis.Key)
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q", c.Log.Level)
	}
	if c.ScrapeInterval <= 0 {
		return errors.New("SCRAPE_INTERVAL must be positive")
	}
	if c.ScrapeLimit <= 0 {
		return errors.New("SCRAPE_LIMIT must be positive")
	}
	if c.MaxArticles <= 0 {
		return errors.New("MAX_ARTICLES must be positive")
	}
	if c.DetailDelay < 0 {
		return errors.New("DETAIL_DELAY must not be negative")
	}
	if c.FetchTimeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be positive")
	}

	switch c.Fetcher {
	case FetcherHTTP, FetcherBrowser:
	default:
		return fmt.Errorf("unknown FETCHER %q (want %s or %s)", c.Fetcher, FetcherHTTP, FetcherBrowser)
	}

	switch c.StoreKind {
	case StoreFile:
		if c.DataFile == "" {
			return errors.New("DATA_FILE is required for the file store")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DB.Host == "" || c.DB.Name == "" {
			return errors.New("DB_HOST and DB_NAME are required for the postgres store")
		}
		if c.DB.MaxConns <= 0 {
			return errors.New("DB_MAX_CONNS must be positive")
		}
	default:
		return fmt.Errorf("unknown STORE_KIND %q", c.StoreKind)
	}

	return nil
}

// PostgresDSN builds a connection URL from the DB_* settings.
func (c *Config) PostgresDSN() string {
	dsn := url.URL{
		Scheme: "postgres",
		Host:   c.DB.Host + ":" + strconv.Itoa(c.DB.Port),
		Path:   "/" + c.DB.Name,
	}
	if c.DB.Password != "" {
		dsn.User = url.UserPassword(c.DB.User, c.DB.Password)
	} else if c.DB.User != "" {
		dsn.User = url.User(c.DB.User)
	}
	if c.DB.SSLMode != "" {
		dsn.RawQuery = url.Values{"sslmode": {c.DB.SSLMode}}.Encode()
	}
	return dsn.String()
}
