package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
	// 慢查询阈值
	SlowQuery time.Duration `yaml:"slow_query"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OtelConfig OpenTelemetry 配置
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// OverrideDBFromEnv DB_HOST / DB_PORT / DB_USER / DB_PASSWORD / DB_NAME / DB_SSLMODE
func OverrideDBFromEnv(cfg *DBConfig) {
	envString("DB_HOST", &cfg.Host)
	envInt("DB_PORT", &cfg.Port)
	envString("DB_USER", &cfg.User)
	envString("DB_PASSWORD", &cfg.Password)
	envString("DB_NAME", &cfg.Name)
	envString("DB_SSLMODE", &cfg.SSLMode)
}

func OverrideMQFromEnv(cfg *MQConfig) {
	envString("MQ_URL", &cfg.URL)
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	envString("REDIS_ADDR", &cfg.Addr)
	envString("REDIS_PASSWORD", &cfg.Password)
	envInt("REDIS_DB", &cfg.DB)
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	envString("SERVER_PORT", &cfg.Port)
}

// OverrideOtelFromEnv 设置了 OTLP endpoint 即视为启用
func OverrideOtelFromEnv(cfg *OtelConfig) {
	if envString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Endpoint) {
		cfg.Enabled = true
	}
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRatio = r
		}
	}
}

func envString(key string, dst *string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	*dst = v
	return true
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
