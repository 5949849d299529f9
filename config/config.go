package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// =============================================================================
// 🎯 配置结构
// =============================================================================
// yaml 标签对应配置文件键名；env 标签与父级拼接为环境变量名，
// 例如 Server.HTTPPort → SCHEMAFLOW_SERVER_HTTP_PORT
// =============================================================================

// Config SchemaFlow 完整配置
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	LLM        LLMConfig        `yaml:"llm" env:"LLM"`
	Structured StructuredConfig `yaml:"structured" env:"STRUCTURED"`
	Schemas    SchemasConfig    `yaml:"schemas" env:"SCHEMAS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 监听与入口中间件
type ServerConfig struct {
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// MetricsPort 为 0 时不启动独立的 /metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`

	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// WriteTimeout 需覆盖一次结构化补全的全部重试
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	// CORSAllowedOrigins 为空表示不处理跨域
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`

	// RateLimitRPS 按客户端 IP 计，0 表示不限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// 证书与私钥同时设置时以 HTTPS 监听
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// DatabaseConfig Schema 存储使用的关系库。Driver 为 sqlite 时 Name 是文件路径
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// AutoMigrate 启动时用 GORM 建表；生产环境使用 `schemaflow migrate up`
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// RedisConfig 版本快照读穿缓存，Enabled 为 false 时所有读取直达数据库
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TTL          time.Duration `yaml:"ttl" env:"TTL"`
	TLS          bool          `yaml:"tls" env:"TLS"`
}

// LLMConfig 任意 OpenAI 兼容端点
type LLMConfig struct {
	// Provider 仅用于日志与错误归属
	Provider     string        `yaml:"provider" env:"PROVIDER"`
	APIKey       string        `yaml:"api_key" env:"API_KEY"`
	BaseURL      string        `yaml:"base_url" env:"BASE_URL"`
	DefaultModel string        `yaml:"default_model" env:"DEFAULT_MODEL"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StructuredConfig 校验重试编排
type StructuredConfig struct {
	// DefaultMaxRetries 在请求未给出 max_retries 时使用，范围 [0,10]
	DefaultMaxRetries int           `yaml:"default_max_retries" env:"DEFAULT_MAX_RETRIES"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout" env:"ATTEMPT_TIMEOUT"`
	// JSONModePrefixes 追加到内置的 JSON 模式模型前缀列表
	JSONModePrefixes []string `yaml:"json_mode_prefixes" env:"JSON_MODE_PREFIXES"`
	// SchemaCacheSize 已编译 schema 的 LRU 容量，内联 schema 同样计入
	SchemaCacheSize int `yaml:"schema_cache_size" env:"SCHEMA_CACHE_SIZE"`
}

// SchemasConfig 版本化存储
type SchemasConfig struct {
	// DeletePolicy cascade 删除历史版本，retain 保留
	DeletePolicy      string `yaml:"delete_policy" env:"DELETE_POLICY"`
	MaxUpdateAttempts int    `yaml:"max_update_attempts" env:"MAX_UPDATE_ATTEMPTS"`
}

// LogConfig zap 日志
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OTLP/gRPC 导出
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// ✅ 校验
// =============================================================================

type problems []string

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Sprintf(format, args...))
	}
}

// Validate 汇总所有问题后一次性返回
func (c *Config) Validate() error {
	var p problems

	s := c.Server
	p.check(s.HTTPPort > 0 && s.HTTPPort <= 65535, "invalid HTTP port")
	p.check(s.MetricsPort >= 0 && s.MetricsPort <= 65535, "invalid metrics port")
	p.check(s.RateLimitRPS >= 0, "server.rate_limit_rps must not be negative")
	p.check(s.RateLimitRPS <= 0 || s.RateLimitBurst > 0, "server.rate_limit_burst must be positive when rate limiting is enabled")
	p.check((s.TLSCertFile == "") == (s.TLSKeyFile == ""), "server.tls_cert_file and server.tls_key_file must be set together")

	p.check(oneOf(c.Database.Driver, "postgres", "mysql", "sqlite"), "unsupported database driver %q", c.Database.Driver)
	p.check(!c.Redis.Enabled || c.Redis.Addr != "", "redis.addr is required when redis is enabled")
	p.check(c.LLM.BaseURL != "", "llm.base_url is required")

	st := c.Structured
	p.check(st.DefaultMaxRetries >= 0 && st.DefaultMaxRetries <= 10, "structured.default_max_retries must be between 0 and 10")
	p.check(st.AttemptTimeout >= 0, "structured.attempt_timeout cannot be negative")
	p.check(st.SchemaCacheSize >= 0, "structured.schema_cache_size cannot be negative")

	p.check(oneOf(c.Schemas.DeletePolicy, "cascade", "retain"), "schemas.delete_policy must be cascade or retain, got %q", c.Schemas.DeletePolicy)
	p.check(c.Schemas.MaxUpdateAttempts > 0, "schemas.max_update_attempts must be positive")

	t := c.Telemetry
	p.check(!t.Enabled || (t.SampleRate >= 0 && t.SampleRate <= 1), "telemetry.sample_rate must be between 0 and 1")

	if len(p) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(p, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}

// DSN GORM 方言使用的连接串，未知驱动返回空串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite":
		return d.Name
	}
	return ""
}
