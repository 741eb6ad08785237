package config

import "time"

// DefaultConfig 返回开发环境可直接启动的配置：内存存储，HTTP 生成服务指向本机
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Generation: DefaultGenerationConfig(),
		LLM:        DefaultLLMConfig(),
		Store:      DefaultStoreConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    10 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
		WatchInterval:   time.Second,
	}
}

// DefaultGenerationConfig 默认不限速，失败重试两次
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Mode:                "http",
		Endpoint:            "http://localhost:3000/api/generate",
		Timeout:             2 * time.Minute,
		DefaultModel:        "gemini-2.5-flash",
		MaxRetries:          2,
		RetryInitialDelay:   time.Second,
		RetryMaxDelay:       15 * time.Second,
		RateLimitBurst:      1,
		BreakerThreshold:    5,
		BreakerResetTimeout: 30 * time.Second,
	}
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:      "openai",
		BaseURL:       "https://api.openai.com",
		Model:         "gpt-4o-mini",
		FallbackModel: "gpt-4o-mini",
		Timeout:       2 * time.Minute,
	}
}

// DefaultStoreConfig 记录保留一周
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            "memory",
		Capacity:        500,
		KeyPrefix:       "agentcanvas:",
		TTL:             7 * 24 * time.Hour,
		MonitorInterval: 15 * time.Second,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:             "postgres",
		Host:               "localhost",
		Port:               5432,
		User:               "agentcanvas",
		Name:               "agentcanvas",
		SSLMode:            "disable",
		MaxOpenConns:       25,
		MaxIdleConns:       5,
		ConnMaxLifetime:    5 * time.Minute,
		SlowQueryThreshold: 200 * time.Millisecond,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
	}
}

// DefaultTelemetryConfig 默认关闭，开启后采样 10%
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		ServiceName:    "agentcanvas",
		SampleRate:     0.1,
		MetricInterval: 30 * time.Second,
		Environment:    "development",
	}
}
