package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPoolRecycle 连接回收间隔的默认值
const DefaultPoolRecycle = 3600 * time.Second

// Config 应用程序配置
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Database DatabaseConfig `json:"database" yaml:"database"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Auth     AuthConfig     `json:"auth" yaml:"auth"`
	Session  SessionConfig  `json:"session" yaml:"session"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReleaseVersion  string        `json:"release_version" yaml:"release_version"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `json:"cors_origins" yaml:"cors_origins"` // 为空时不启用 CORS
	// RateLimit 笔记接口每秒允许的请求数，0 表示不限流
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`
}

// DatabaseConfig 数据库配置
// URL 同时用于构造 writer 和 reader 两个引擎
type DatabaseConfig struct {
	URL          string        `json:"url" yaml:"url"`
	PoolRecycle  time.Duration `json:"pool_recycle" yaml:"pool_recycle"`
	MaxOpenConns int           `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	Echo         bool          `json:"echo" yaml:"echo"`
	// 启动时连接失败的重试次数和初始间隔
	ConnectRetries       int           `json:"connect_retries" yaml:"connect_retries"`
	ConnectRetryInterval time.Duration `json:"connect_retry_interval" yaml:"connect_retry_interval"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // json, text or color
}

// AuthConfig 认证配置
type AuthConfig struct {
	Bearer string `json:"bearer" yaml:"bearer"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	AutoFlush           bool   `json:"auto_flush" yaml:"auto_flush"`
	ClassifierCacheSize int    `json:"classifier_cache_size" yaml:"classifier_cache_size"`
	DefaultPropagation  string `json:"default_propagation" yaml:"default_propagation"`
	// SlowThreshold 慢语句阈值，0 表示不记录慢语句
	SlowThreshold time.Duration `json:"slow_threshold" yaml:"slow_threshold"`
	SlowLogSize   int           `json:"slow_log_size" yaml:"slow_log_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReleaseVersion:  "0.1",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateBurst:       20,
		},
		Database: DatabaseConfig{
			PoolRecycle:  DefaultPoolRecycle,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			Echo:         false,

			ConnectRetries:       3,
			ConnectRetryInterval: time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Session: SessionConfig{
			AutoFlush:           true,
			ClassifierCacheSize: 1024,
			DefaultPropagation:  "required",
			SlowThreshold:       200 * time.Millisecond,
			SlowLogSize:         100,
		},
	}
}

// LoadConfig 从文件加载配置，.yaml/.yml 按 YAML 解析，其余按 JSON 解析
func LoadConfig(configPath string) (*Config, error) {
	// 如果没有指定配置文件，使用默认配置
	if configPath == "" {
		config := DefaultConfig()
		applyEnv(config)
		return config, validateConfig(config)
	}

	// 检查配置文件是否存在
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfigOrDefault 尝试从常见位置加载配置文件
func LoadConfigOrDefault() *Config {
	possiblePaths := []string{
		"config.json",
		"config.yaml",
		"./config/config.json",
		"/etc/dbscope/config.json",
	}

	if envPath := os.Getenv("DBSCOPE_CONFIG"); envPath != "" {
		if config, err := LoadConfig(envPath); err == nil {
			return config
		}
	}

	for _, path := range possiblePaths {
		if absPath, err := filepath.Abs(path); err == nil {
			if config, err := LoadConfig(absPath); err == nil {
				return config
			}
		}
	}

	config := DefaultConfig()
	applyEnv(config)
	return config
}

// applyEnv 环境变量覆盖：SQL_URI 和 BEARER
func applyEnv(config *Config) {
	if v := os.Getenv("SQL_URI"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("BEARER"); v != "" {
		config.Auth.Bearer = v
	}
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", config.Server.Port)
	}

	if config.Server.RateLimit < 0 || config.Server.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}

	if config.Database.PoolRecycle < 0 {
		return fmt.Errorf("pool_recycle must not be negative")
	}

	if config.Database.MaxOpenConns < 0 {
		return fmt.Errorf("max_open_conns must not be negative")
	}

	if config.Database.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns must not be negative")
	}

	if config.Database.ConnectRetries < 0 {
		return fmt.Errorf("connect_retries must not be negative")
	}

	if config.Session.ClassifierCacheSize < 0 {
		return fmt.Errorf("classifier_cache_size must not be negative")
	}

	if config.Session.SlowThreshold < 0 {
		return fmt.Errorf("slow_threshold must not be negative")
	}

	if config.Session.SlowLogSize < 0 {
		return fmt.Errorf("slow_log_size must not be negative")
	}

	switch config.Log.Format {
	case "", "text", "json", "color":
	default:
		return fmt.Errorf("unknown log format: %s", config.Log.Format)
	}

	return nil
}

// Secrets 返回不应出现在日志中的配置值
func (c *Config) Secrets() []string {
	var secrets []string
	if c.Database.URL != "" {
		secrets = append(secrets, c.Database.URL)
	}
	if c.Auth.Bearer != "" {
		secrets = append(secrets, c.Auth.Bearer)
	}
	return secrets
}

// Redact replaces every secret occurring in s with "***".
func (c *Config) Redact(s string) string {
	for _, secret := range c.Secrets() {
		s = strings.ReplaceAll(s, secret, "***")
	}
	return s
}

// GetListenAddress 返回监听地址
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
