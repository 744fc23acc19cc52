// =============================================================================
// 📦 chguard 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		ClickHouse: DefaultClickHouseConfig(),
		Redis:      DefaultRedisConfig(),
		Migration:  DefaultMigrationConfig(),
		Audit:      DefaultAuditConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		ReportCacheTTL:  15 * time.Second,
		ReconnectRPS:    0.2,
		ReconnectBurst:  1,
	}
}

// DefaultClickHouseConfig 返回默认 ClickHouse 配置
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Host:               "localhost",
		Port:               9000,
		User:               "default",
		Password:           "",
		Database:           "default",
		Secure:             false,
		Compression:        "lz4",
		DialTimeout:        10 * time.Second,
		HealthProbeTimeout: 5 * time.Second,
		Retry:              DefaultRetryConfig(),
		Pool:               DefaultPoolConfig(),
		CircuitBreaker:     DefaultCircuitBreakerConfig(),
		Analytics:          DefaultAnalyticsConfig(),
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		ExponentialBase:   2.0,
		Jitter:            true,
		TimeoutPerAttempt: 10 * time.Second,
	}
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		PoolSize:            5,
		MaxConnections:      10,
		ConnectionTimeout:   10 * time.Second,
		RecycleTime:         time.Hour,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultCircuitBreakerConfig 返回默认熔断器配置
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// DefaultAnalyticsConfig 返回默认分析一致性检查配置
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		TablePattern: "analytics_%",
		WriteProbe:   true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "chguard:",
	}
}

// DefaultMigrationConfig 返回默认迁移配置
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		TableName: "schema_migrations",
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:  true,
		Schedule: "@every 10m",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "chguard",
		SampleRate:   0.1,
	}
}
