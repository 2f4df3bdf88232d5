package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// 支援的儲存驅動
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// EnvPrefix 環境變數前綴，例如 PAGECOUNTER_SERVER_PORT
const EnvPrefix = "PAGECOUNTER_"

// Config 整個應用的配置
//
// 載入順序：預設值 → YAML 設定檔 → 環境變數
type Config struct {
	Server struct {
		Host            string        `yaml:"host" env:"HOST"`
		Port            int           `yaml:"port" env:"PORT"`
		ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
		WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
		IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Storage struct {
		Driver string `yaml:"driver" env:"DRIVER"`

		SQLite SQLiteConfig `yaml:"sqlite" envPrefix:"SQLITE_"`

		Postgres struct {
			Host     string `yaml:"host" env:"HOST"`
			Port     int    `yaml:"port" env:"PORT"`
			User     string `yaml:"user" env:"USER"`
			Password string `yaml:"password" env:"PASSWORD"`
			DBName   string `yaml:"dbname" env:"DBNAME"`
			SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
			MaxConns int32  `yaml:"max_conns" env:"MAX_CONNS"`
			MinConns int32  `yaml:"min_conns" env:"MIN_CONNS"`
		} `yaml:"postgres" envPrefix:"POSTGRES_"`

		Redis struct {
			Addr         string        `yaml:"addr" env:"ADDR"`
			Password     string        `yaml:"password" env:"PASSWORD"`
			DB           int           `yaml:"db" env:"DB"`
			Key          string        `yaml:"key" env:"KEY"`
			PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
			MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
			MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
			ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
			WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
		} `yaml:"redis" envPrefix:"REDIS_"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Events struct {
		NATSURL string `yaml:"nats_url" env:"NATS_URL"`
		Subject string `yaml:"subject" env:"SUBJECT"`
	} `yaml:"events" envPrefix:"EVENTS_"`

	Log struct {
		Level     string `yaml:"level" env:"LEVEL"`
		Format    string `yaml:"format" env:"FORMAT"`
		Output    string `yaml:"output" env:"OUTPUT"`
		AddSource bool   `yaml:"add_source" env:"ADD_SOURCE"`
	} `yaml:"log" envPrefix:"LOG_"`
}

// SQLiteConfig SQLite 儲存設定
//
// 資料庫檔案位置由設定注入，而非全域常數，方便測試使用臨時目錄。
type SQLiteConfig struct {
	DataDir      string        `yaml:"data_dir" env:"DATA_DIR"`
	File         string        `yaml:"file" env:"FILE"`
	MaxOpenConns int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// Path 返回資料庫檔案完整路徑
func (c SQLiteConfig) Path() string {
	return filepath.Join(c.DataDir, c.File)
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.IdleTimeout = 120 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Storage.Driver = DriverSQLite

	cfg.Storage.SQLite.DataDir = "data"
	cfg.Storage.SQLite.File = "counter.db"
	cfg.Storage.SQLite.MaxOpenConns = 1
	cfg.Storage.SQLite.BusyTimeout = 5 * time.Second

	cfg.Storage.Postgres.Host = "localhost"
	cfg.Storage.Postgres.Port = 5432
	cfg.Storage.Postgres.User = "postgres"
	cfg.Storage.Postgres.DBName = "page_counter"
	cfg.Storage.Postgres.SSLMode = "disable"
	cfg.Storage.Postgres.MaxConns = 10
	cfg.Storage.Postgres.MinConns = 2

	cfg.Storage.Redis.Addr = "localhost:6379"
	cfg.Storage.Redis.Key = "page_counts"
	cfg.Storage.Redis.PoolSize = 10
	cfg.Storage.Redis.MinIdleConns = 2
	cfg.Storage.Redis.MaxRetries = 3
	cfg.Storage.Redis.ReadTimeout = 3 * time.Second
	cfg.Storage.Redis.WriteTimeout = 3 * time.Second

	cfg.Events.Subject = "pagecounter.visits"

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"

	return cfg
}

// LoadConfig 載入配置
//
// path 為空或檔案不存在時只使用預設值與環境變數。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，非使用者請求輸入
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, fs.ErrNotExist):
			// 沒有設定檔，使用預設值
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLite.File == "" {
			errs = append(errs, errors.New("storage.sqlite.file is required"))
		}
		if strings.Contains(c.Storage.SQLite.Path(), "?") {
			errs = append(errs, fmt.Errorf("storage.sqlite path must not contain '?': %q", c.Storage.SQLite.Path()))
		}
		if c.Storage.SQLite.MaxOpenConns < 0 {
			errs = append(errs, errors.New("storage.sqlite.max_open_conns must not be negative"))
		}
	case DriverPostgres:
		if c.Storage.Postgres.MaxConns < 1 {
			errs = append(errs, errors.New("storage.postgres.max_conns must be positive"))
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
		if c.Storage.Redis.Key == "" {
			errs = append(errs, errors.New("storage.redis.key is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}

	if c.Events.NATSURL != "" && c.Events.Subject == "" {
		errs = append(errs, errors.New("events.subject is required when events.nats_url is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr 返回 HTTP 監聽位址
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// PostgresDSN 生成 PostgreSQL 連線字串（URL 格式）
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	pg := c.Storage.Postgres
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(pg.User, pg.Password),
		Host:   net.JoinHostPort(pg.Host, strconv.Itoa(pg.Port)),
		Path:   "/" + pg.DBName,
	}
	if pg.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(pg.SSLMode)
	}
	return u.String()
}
