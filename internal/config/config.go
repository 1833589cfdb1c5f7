package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 常量定义
const (
	DefaultConfigPath = "configs/config.yaml"
	DefaultListenPort = 53
	DefaultLogLevel   = "info"
	DefaultStrategy   = "weighted"

	DefaultUpstreamPort    = 53
	DefaultUpstreamWeight  = 100
	DefaultUpstreamTimeout = 5 * time.Second

	MinWeight   = 1
	MaxWeight   = 1000
	MinPriority = 1
	MaxPriority = 10
)

// Duration 支持"5s"/"1m"写法的时长配置
type Duration time.Duration

// UnmarshalYAML 实现yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UpstreamConfig 单个上游DNS服务器配置
type UpstreamConfig struct {
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	Port        int      `yaml:"port"`
	Weight      int      `yaml:"weight"`
	Priority    int      `yaml:"priority"`
	HealthCheck *bool    `yaml:"health_check"`
	Timeout     Duration `yaml:"timeout"`
	Description string   `yaml:"description"`
}

// HealthChecksConfig 健康检查配置
type HealthChecksConfig struct {
	Enabled           *bool    `yaml:"enabled"`
	Interval          Duration `yaml:"interval"`
	Timeout           Duration `yaml:"timeout"`
	FailureThreshold  int      `yaml:"failure_threshold"`
	RecoveryThreshold int      `yaml:"recovery_threshold"`
	StartupGrace      Duration `yaml:"startup_grace"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	MaxSize         int      `yaml:"max_size"`
	DefaultTTL      Duration `yaml:"default_ttl"`
	MinTTL          Duration `yaml:"min_ttl"`
	MaxTTL          Duration `yaml:"max_ttl"`
	NegativeTTL     Duration `yaml:"negative_ttl"`
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// FlattenConfig CNAME展开配置
type FlattenConfig struct {
	MaxRecursion int  `yaml:"max_recursion"`
	RemoveAAAA   bool `yaml:"remove_aaaa"`
}

// RateLimitConfig 客户端限速配置
type RateLimitConfig struct {
	Enabled *bool   `yaml:"enabled"`
	PerIP   float64 `yaml:"per_ip"`
	Burst   int     `yaml:"burst"`
}

// Config 配置结构体
type Config struct {
	ListenAddresses    []string           `yaml:"listen_addresses"`
	ListenPort         int                `yaml:"listen_port"`
	Strategy           string             `yaml:"strategy"`
	MaxUpstreamRetries int                `yaml:"max_upstream_retries"`
	LogLevel           string             `yaml:"log_level"`
	MetricsPort        int                `yaml:"metrics_port"`
	TCPIdleTimeout     Duration           `yaml:"tcp_idle_timeout"`
	ShutdownGrace      Duration           `yaml:"shutdown_grace"`
	Upstreams          []UpstreamConfig   `yaml:"upstreams"`
	HealthChecks       HealthChecksConfig `yaml:"health_checks"`
	Cache              CacheConfig        `yaml:"cache"`
	Flatten            FlattenConfig      `yaml:"flatten"`
	RateLimit          RateLimitConfig    `yaml:"rate_limit"`
}

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	cfgData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(cfgData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&config)
	return &config, nil
}

// applyDefaults 设置默认值
func applyDefaults(cfg *Config) {
	if len(cfg.ListenAddresses) == 0 {
		cfg.ListenAddresses = []string{"0.0.0.0"}
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = DefaultListenPort
	}
	if cfg.Strategy == "" {
		cfg.Strategy = DefaultStrategy
	}
	if cfg.MaxUpstreamRetries == 0 {
		cfg.MaxUpstreamRetries = 2
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.TCPIdleTimeout == 0 {
		cfg.TCPIdleTimeout = Duration(10 * time.Second)
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = Duration(5 * time.Second)
	}

	for i := range cfg.Upstreams {
		u := &cfg.Upstreams[i]
		if u.Port == 0 {
			u.Port = DefaultUpstreamPort
		}
		if u.Weight == 0 {
			u.Weight = DefaultUpstreamWeight
		}
		if u.Priority == 0 {
			u.Priority = MinPriority
		}
		if u.HealthCheck == nil {
			enabled := true
			u.HealthCheck = &enabled
		}
		if u.Timeout == 0 {
			u.Timeout = Duration(DefaultUpstreamTimeout)
		}
	}

	hc := &cfg.HealthChecks
	if hc.Enabled == nil {
		enabled := true
		hc.Enabled = &enabled
	}
	if hc.Interval == 0 {
		hc.Interval = Duration(30 * time.Second)
	}
	if hc.Timeout == 0 {
		hc.Timeout = Duration(3 * time.Second)
	}
	if hc.FailureThreshold == 0 {
		hc.FailureThreshold = 3
	}
	if hc.RecoveryThreshold == 0 {
		hc.RecoveryThreshold = 2
	}
	if hc.StartupGrace == 0 {
		hc.StartupGrace = Duration(5 * time.Second)
	}

	c := &cfg.Cache
	if c.MaxSize == 0 {
		c.MaxSize = 10000
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = Duration(5 * time.Minute)
	}
	if c.MaxTTL == 0 {
		c.MaxTTL = Duration(24 * time.Hour)
	}
	if c.NegativeTTL == 0 {
		c.NegativeTTL = Duration(60 * time.Second)
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = Duration(5 * time.Minute)
	}

	f := &cfg.Flatten
	if f.MaxRecursion == 0 {
		f.MaxRecursion = 10
	}

	rl := &cfg.RateLimit
	if rl.Enabled == nil {
		enabled := true
		rl.Enabled = &enabled
	}
	if rl.PerIP == 0 {
		rl.PerIP = 100
	}
	if rl.Burst == 0 {
		rl.Burst = 200
	}
}

// validStrategies 可选的上游选择策略
var validStrategies = map[string]bool{
	"weighted":       true,
	"lowest_latency": true,
	"failover":       true,
	"round_robin":    true,
	"random":         true,
	"least_queries":  true,
}

// ValidateConfig 验证配置
func ValidateConfig(cfg *Config) error {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", cfg.ListenPort)
	}
	for _, addr := range cfg.ListenAddresses {
		if net.ParseIP(addr) == nil {
			return fmt.Errorf("invalid listen address: %s", addr)
		}
	}
	if !validStrategies[cfg.Strategy] {
		return fmt.Errorf("unknown selection strategy: %s", cfg.Strategy)
	}
	if len(cfg.Upstreams) == 0 {
		return fmt.Errorf("no upstream servers configured")
	}

	seen := make(map[string]bool)
	for _, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream server missing name")
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		seen[u.Name] = true
		if net.ParseIP(u.Address) == nil {
			return fmt.Errorf("upstream %s: invalid address %q", u.Name, u.Address)
		}
		if u.Port <= 0 || u.Port > 65535 {
			return fmt.Errorf("upstream %s: invalid port %d", u.Name, u.Port)
		}
		if u.Weight < MinWeight || u.Weight > MaxWeight {
			return fmt.Errorf("upstream %s: weight %d out of range [%d, %d]", u.Name, u.Weight, MinWeight, MaxWeight)
		}
		if u.Priority < MinPriority || u.Priority > MaxPriority {
			return fmt.Errorf("upstream %s: priority %d out of range [%d, %d]", u.Name, u.Priority, MinPriority, MaxPriority)
		}
		if u.Timeout.Std() <= 0 {
			return fmt.Errorf("upstream %s: timeout must be positive", u.Name)
		}
	}

	if cfg.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max_size must be positive")
	}
	if cfg.Cache.MinTTL.Std() > cfg.Cache.MaxTTL.Std() {
		return fmt.Errorf("cache min_ttl %v exceeds max_ttl %v", cfg.Cache.MinTTL.Std(), cfg.Cache.MaxTTL.Std())
	}
	if cfg.Flatten.MaxRecursion < 1 {
		return fmt.Errorf("flatten max_recursion must be at least 1")
	}
	if cfg.RateLimit.PerIP <= 0 || cfg.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit per_ip and burst must be positive")
	}
	return nil
}

// LoadAndValidateConfig 加载并验证配置
func LoadAndValidateConfig() (*Config, error) {
	configPath := flag.String("c", DefaultConfigPath, "Path to config file")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		return nil, err
	}

	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}
