package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"mailpilot/internal/service/inference"
	"mailpilot/pkg/config"
)

// InferenceConfig 推理服务，按 provider 名称区分
type InferenceConfig struct {
	Timeout   time.Duration                       `yaml:"timeout"`
	Providers map[string]inference.ProviderConfig `yaml:"providers"`
}

// WorkerConfig 批处理参数
type WorkerConfig struct {
	Queue        string        `yaml:"queue"`
	Prefetch     int           `yaml:"prefetch"`
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	HistoryLimit int           `yaml:"history_limit"`
	MaxRetries   int64         `yaml:"max_retries"`
	RetryTTL     time.Duration `yaml:"retry_ttl"`
	SpamCacheTTL time.Duration `yaml:"spam_cache_ttl"`
	// 提交后多久才允许重放邮箱操作
	ReplayGrace  time.Duration `yaml:"replay_grace"`
}

// OutboxConfig 事件发布
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	ServiceName string              `yaml:"service_name"`
	LogLevel    string              `yaml:"log_level"`
	DB          config.DBConfig     `yaml:"db"`
	MQ          config.MQConfig     `yaml:"mq"`
	Redis       config.RedisConfig  `yaml:"redis"`
	Server      config.ServerConfig `yaml:"server"`
	Otel        config.OtelConfig   `yaml:"otel"`
	Inference   InferenceConfig     `yaml:"inference"`
	Worker      WorkerConfig        `yaml:"worker"`
	Outbox      OutboxConfig        `yaml:"outbox"`
}

// Load 使用统一配置中心加载，失败直接退出
func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom 读取 base.yaml 与环境配置，填充默认值，最后用环境变量覆盖
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideOtelFromEnv(&cfg.Otel)
	overrideWorkerFromEnv(&cfg.Worker)
	overrideInferenceFromEnv(&cfg.Inference)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceName: "mailpilot-worker",
		LogLevel:    "info",
		Server:      config.ServerConfig{Port: "8080"},
		Inference: InferenceConfig{
			Timeout: 30 * time.Second,
		},
		Worker: WorkerConfig{
			Queue:        "inbox.process.q",
			Prefetch:     4,
			BatchSize:    20,
			Concurrency:  4,
			HistoryLimit: 10,
			MaxRetries:   5,
			RetryTTL:     time.Hour,
			SpamCacheTTL: 24 * time.Hour,
			ReplayGrace:  5 * time.Minute,
		},
		Outbox: OutboxConfig{
			Interval:   time.Second,
			BatchSize:  100,
			MaxRetries: 10,
		},
	}
}

func overrideWorkerFromEnv(cfg *WorkerConfig) {
	if v := os.Getenv("WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("WORKER_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxRetries = n
		}
	}
}

// INFERENCE_BASE_URL/INFERENCE_API_KEY 覆盖默认 provider
func overrideInferenceFromEnv(cfg *InferenceConfig) {
	baseURL := os.Getenv("INFERENCE_BASE_URL")
	apiKey := os.Getenv("INFERENCE_API_KEY")
	if baseURL == "" && apiKey == "" {
		return
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]inference.ProviderConfig)
	}
	p := cfg.Providers[inference.DefaultProvider]
	if baseURL != "" {
		p.BaseURL = baseURL
	}
	if apiKey != "" {
		p.APIKey = apiKey
	}
	cfg.Providers[inference.DefaultProvider] = p
}
