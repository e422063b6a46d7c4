package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"rocketcaster/pkg/utils"
)

type StorageDriver string

const (
	DriverMemory   StorageDriver = "memory"
	DriverPostgres StorageDriver = "postgres"
)

type LimiterBackend string

const (
	LimiterMemory LimiterBackend = "memory"
	LimiterRedis  LimiterBackend = "redis"
)

const (
	DefaultMaxProxySize = 200 * utils.MegaByte
	DefaultRecentPosts  = 15
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	RateLimit   RateLimitConfig
	Proxy       ProxyConfig
	Directory   DirectoryConfig
	Admin       AdminConfig
	RecentPosts int
}

type ServerConfig struct {
	Hostname    string
	Address     string
	CertFile    string
	KeyFile     string
	ReadTimeout time.Duration
}

type DatabaseConfig struct {
	Driver StorageDriver
	URL    string
}

type RateLimitConfig struct {
	Requests  int
	Window    time.Duration
	Backend   LimiterBackend
	RedisAddr string
	RedisDB   int
}

type ProxyConfig struct {
	MaxSize                int64
	ProbeTimeout           time.Duration
	MaxConcurrentTransfers int64
}

type DirectoryConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	UserAgent string
	Timeout   time.Duration
}

type AdminConfig struct {
	MetricsAddress string
	GRPCAddress    string
}

// Default returns the configuration used when no file or env override is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname:    "localhost",
			Address:     ":1965",
			CertFile:    "./certs/server.crt",
			KeyFile:     "./certs/server.key",
			ReadTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: DriverMemory,
		},
		RateLimit: RateLimitConfig{
			Requests:  2,
			Window:    60 * time.Second,
			Backend:   LimiterMemory,
			RedisAddr: "localhost:6379",
		},
		Proxy: ProxyConfig{
			MaxSize:                DefaultMaxProxySize,
			ProbeTimeout:           15 * time.Second,
			MaxConcurrentTransfers: 8,
		},
		Directory: DirectoryConfig{
			BaseURL:   "https://api.podcastindex.org/api/1.0",
			UserAgent: "rocketcaster/0.1",
			Timeout:   10 * time.Second,
		},
		Admin: AdminConfig{
			MetricsAddress: ":9465",
			GRPCAddress:    ":9466",
		},
		RecentPosts: DefaultRecentPosts,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := LoadConfigEnhanced(data)
	if err != nil {
		return nil, err
	}
	applySecretsFromEnv(cfg)

	return cfg, nil
}

func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Server.Hostname = getEnv("ROCKETCASTER_HOSTNAME", cfg.Server.Hostname)
	cfg.Server.Address = getEnv("ROCKETCASTER_ADDRESS", cfg.Server.Address)
	cfg.Server.CertFile = getEnv("ROCKETCASTER_CERT_FILE", cfg.Server.CertFile)
	cfg.Server.KeyFile = getEnv("ROCKETCASTER_KEY_FILE", cfg.Server.KeyFile)

	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.Driver = DriverPostgres
		cfg.Database.URL = url
	}

	cfg.RateLimit.Backend = LimiterBackend(getEnv("ROCKETCASTER_RATE_LIMIT_BACKEND", string(cfg.RateLimit.Backend)))
	cfg.RateLimit.RedisAddr = getEnv("REDIS_HOST", cfg.RateLimit.RedisAddr)
	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RateLimit.RedisDB = n
	}

	if size := os.Getenv("ROCKETCASTER_MAX_PROXY_SIZE"); size != "" {
		maxSize, err := utils.ParseDataSize(size)
		if err != nil {
			return nil, fmt.Errorf("invalid ROCKETCASTER_MAX_PROXY_SIZE: %w", err)
		}
		cfg.Proxy.MaxSize = maxSize
	}

	cfg.Admin.MetricsAddress = getEnv("ROCKETCASTER_METRICS_ADDRESS", cfg.Admin.MetricsAddress)
	cfg.Admin.GRPCAddress = getEnv("ROCKETCASTER_GRPC_ADDRESS", cfg.Admin.GRPCAddress)

	applySecretsFromEnv(cfg)

	return cfg, cfg.Validate()
}

// applySecretsFromEnv fills directory credentials, which are never read from the config file.
func applySecretsFromEnv(cfg *Config) {
	cfg.Directory.APIKey = getEnv("PODCAST_INDEX_API_KEY", cfg.Directory.APIKey)
	cfg.Directory.APISecret = getEnv("PODCAST_INDEX_API_SECRET", cfg.Directory.APISecret)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}

	switch c.RateLimit.Backend {
	case LimiterMemory, LimiterRedis:
	default:
		return fmt.Errorf("unknown rate limit backend: %s", c.RateLimit.Backend)
	}

	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("rate limit requests and window must be positive")
	}
	if c.Proxy.MaxSize <= 0 {
		return errors.New("proxy max size must be positive")
	}
	if c.Proxy.MaxConcurrentTransfers <= 0 {
		return errors.New("proxy max concurrent transfers must be positive")
	}
	if c.RecentPosts <= 0 {
		return errors.New("recent posts must be positive")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
