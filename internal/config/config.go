// Package config loads the server configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	ServerName string `env:"SERVER_NAME, default=local"`
	BaseURL    string `env:"BASE_URL, default=http://localhost:8080"`
	Address    string `env:"ADDRESS, default=0.0.0.0"`
	Port       string `env:"PORT, default=8080"`
	TLSCert    string `env:"TLS_CERT"`
	TLSKey     string `env:"TLS_KEY"`

	// sqlite or mysql
	DatabaseDriver string `env:"DATABASE_DRIVER, default=sqlite"`
	DatabasePath   string `env:"DATABASE_PATH, default=./database.db"`
	DbUser         string `env:"DB_USER"`
	DbPassword     string `env:"DB_PASSWORD"`
	DbAddress      string `env:"DB_ADDRESS, default=localhost"`
	DbPort         string `env:"DB_PORT, default=3306"`
	DbDatabase     string `env:"DB_DATABASE, default=fedchat"`

	AdminToken    string `env:"ADMIN_TOKEN, default=admin-token"`
	ServerToken   string `env:"SERVER_TOKEN, default=server-token"`
	AdminUsername string `env:"ADMIN_USERNAME, default=admin"`
	AdminPassword string `env:"ADMIN_PASSWORD, default=admin"`

	// when false, notifications are shared between processes through redis
	SelfContained bool   `env:"SELF_CONTAINED, default=true"`
	RedisAddress  string `env:"REDIS_ADDRESS, default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	LogLevel          string `env:"LOG_LEVEL, default=info"`
	LogToFile         bool   `env:"LOG_TO_FILE, default=false"`
	PrintHTTPRequests bool   `env:"PRINT_HTTP_REQUESTS, default=false"`

	SnowflakeWorkerID int64 `env:"SNOWFLAKE_WORKER_ID, default=0"`

	SyncInterval      time.Duration `env:"SYNC_INTERVAL, default=2s"`
	SyncTimeout       time.Duration `env:"SYNC_TIMEOUT, default=3s"`
	FederationTimeout time.Duration `env:"FEDERATION_TIMEOUT, default=10s"`
	SessionTTL        time.Duration `env:"SESSION_TTL, default=24h"`
	AdminSessionTTL   time.Duration `env:"ADMIN_SESSION_TTL, default=1h"`
}

// Load reads .env when present and then the process environment.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return ProcessWith(ctx, envconfig.OsLookuper())
}

// ProcessWith builds a Config from the given lookuper and validates it.
func ProcessWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, l); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or mysql, got %q", c.DatabaseDriver)
	}
	if c.ServerName == "" {
		return errors.New("SERVER_NAME must not be empty")
	}
	if c.ServerToken == "" {
		return errors.New("SERVER_TOKEN must not be empty")
	}
	if c.AdminToken == "" {
		return errors.New("ADMIN_TOKEN must not be empty")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("TLS_CERT and TLS_KEY must be set together")
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) IsHTTPS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%s", c.Address, c.Port)
}

// MySQLDSN is the connection string used when DatabaseDriver is mysql.
func (c *Config) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&timeout=10s", c.DbUser, c.DbPassword, c.DbAddress, c.DbPort, c.DbDatabase)
}
