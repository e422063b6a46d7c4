package config

import (
	"encoding/json"
	"fmt"
	"time"

	"rocketcaster/pkg/utils"
)

// ConfigRaw is the on-disk JSON shape. Durations are strings ("60s") and
// sizes may be numbers or human-friendly strings ("200MiB").
type ConfigRaw struct {
	Server struct {
		Hostname    string `json:"hostname"`
		Address     string `json:"address"`
		CertFile    string `json:"cert"`
		KeyFile     string `json:"key"`
		ReadTimeout string `json:"read_timeout"`
	} `json:"server"`
	Database struct {
		Driver StorageDriver `json:"driver"`
		URL    string        `json:"url"`
	} `json:"database"`
	RateLimit struct {
		Requests  int            `json:"requests"`
		Window    string         `json:"window"`
		Backend   LimiterBackend `json:"backend"`
		RedisAddr string         `json:"redis_addr"`
		RedisDB   int            `json:"redis_db"`
	} `json:"rate_limit"`
	Proxy struct {
		MaxSize                interface{} `json:"max_size"` // Can be string or number
		ProbeTimeout           string      `json:"probe_timeout"`
		MaxConcurrentTransfers int64       `json:"max_concurrent_transfers"`
	} `json:"proxy"`
	Directory struct {
		BaseURL   string `json:"base_url"`
		UserAgent string `json:"user_agent"`
		Timeout   string `json:"timeout"`
	} `json:"directory"`
	Admin struct {
		MetricsAddress string `json:"metrics_address"`
		GRPCAddress    string `json:"grpc_address"`
	} `json:"admin"`
	RecentPosts int `json:"recent_posts"`
}

// ParseSize accepts a JSON number, a size string or nil (keep the default).
func ParseSize(v interface{}, defaultSize int64) (int64, error) {
	switch v := v.(type) {
	case nil:
		return defaultSize, nil
	case float64:
		// JSON numbers are parsed as float64
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		size, err := utils.ParseDataSize(v)
		if err != nil {
			return 0, fmt.Errorf("invalid size format: %w", err)
		}
		return size, nil
	default:
		return 0, fmt.Errorf("size must be a number or string, got %T", v)
	}
}

func parseDuration(field, value string, target *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", field, err)
	}
	*target = d
	return nil
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// LoadConfigEnhanced overlays a JSON document onto Default.
func LoadConfigEnhanced(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Default()

	overrideString(&cfg.Server.Hostname, raw.Server.Hostname)
	overrideString(&cfg.Server.Address, raw.Server.Address)
	overrideString(&cfg.Server.CertFile, raw.Server.CertFile)
	overrideString(&cfg.Server.KeyFile, raw.Server.KeyFile)
	if err := parseDuration("server.read_timeout", raw.Server.ReadTimeout, &cfg.Server.ReadTimeout); err != nil {
		return nil, err
	}

	if raw.Database.Driver != "" {
		cfg.Database.Driver = raw.Database.Driver
	}
	cfg.Database.URL = raw.Database.URL

	if raw.RateLimit.Requests != 0 {
		cfg.RateLimit.Requests = raw.RateLimit.Requests
	}
	if err := parseDuration("rate_limit.window", raw.RateLimit.Window, &cfg.RateLimit.Window); err != nil {
		return nil, err
	}
	if raw.RateLimit.Backend != "" {
		cfg.RateLimit.Backend = raw.RateLimit.Backend
	}
	overrideString(&cfg.RateLimit.RedisAddr, raw.RateLimit.RedisAddr)
	cfg.RateLimit.RedisDB = raw.RateLimit.RedisDB

	maxSize, err := ParseSize(raw.Proxy.MaxSize, cfg.Proxy.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy.max_size: %w", err)
	}
	cfg.Proxy.MaxSize = maxSize
	if err := parseDuration("proxy.probe_timeout", raw.Proxy.ProbeTimeout, &cfg.Proxy.ProbeTimeout); err != nil {
		return nil, err
	}
	if raw.Proxy.MaxConcurrentTransfers != 0 {
		cfg.Proxy.MaxConcurrentTransfers = raw.Proxy.MaxConcurrentTransfers
	}

	overrideString(&cfg.Directory.BaseURL, raw.Directory.BaseURL)
	overrideString(&cfg.Directory.UserAgent, raw.Directory.UserAgent)
	if err := parseDuration("directory.timeout", raw.Directory.Timeout, &cfg.Directory.Timeout); err != nil {
		return nil, err
	}

	overrideString(&cfg.Admin.MetricsAddress, raw.Admin.MetricsAddress)
	overrideString(&cfg.Admin.GRPCAddress, raw.Admin.GRPCAddress)

	if raw.RecentPosts != 0 {
		cfg.RecentPosts = raw.RecentPosts
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
