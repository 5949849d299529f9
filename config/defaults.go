package config

import "time"

// DefaultConfig 可直接用于本地开发的默认值：Postgres 本机库、关闭 Redis 与遥测、
// 单次结构化补全最多重试 2 次
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    11 * time.Minute, // (1 + 10 次重试) × 60s 单次超时
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimitBurst:  20,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			User:            "schemaflow",
			Name:            "schemaflow",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			TTL:          time.Hour,
		},
		LLM: LLMConfig{
			Provider:     "openai",
			BaseURL:      "https://api.openai.com",
			DefaultModel: "gpt-4o-mini",
			Timeout:      2 * time.Minute,
		},
		Structured: StructuredConfig{
			DefaultMaxRetries: 2,
			AttemptTimeout:    time.Minute,
			SchemaCacheSize:   256,
		},
		Schemas: SchemasConfig{
			DeletePolicy:      "cascade",
			MaxUpdateAttempts: 5,
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			OutputPaths:  []string{"stdout"},
			EnableCaller: true,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "schemaflow",
			SampleRate:   0.1,
		},
	}
}
