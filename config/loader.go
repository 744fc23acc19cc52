// =============================================================================
// 📦 chguard 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CHGUARD").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → CHGUARD_* 环境变量 → CLICKHOUSE_* 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/chguard/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 chguard 的完整配置结构
type Config struct {
	// Server HTTP 健康面配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// ClickHouse 分析存储连接配置
	ClickHouse ClickHouseConfig `yaml:"clickhouse" env:"CLICKHOUSE"`

	// Redis 报告缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Migration 分析表结构迁移配置
	Migration MigrationConfig `yaml:"migration" env:"MIGRATION"`

	// Audit 定时一致性审计配置
	Audit AuditConfig `yaml:"audit" env:"AUDIT"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 依赖 / 一致性报告缓存时间，0 表示不缓存
	ReportCacheTTL time.Duration `yaml:"report_cache_ttl" env:"REPORT_CACHE_TTL"`
	// 强制重连接口限速（每秒）
	ReconnectRPS float64 `yaml:"reconnect_rps" env:"RECONNECT_RPS"`
	// 强制重连接口突发量
	ReconnectBurst int `yaml:"reconnect_burst" env:"RECONNECT_BURST"`
}

// ClickHouseConfig ClickHouse 连接配置
type ClickHouseConfig struct {
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 原生协议端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名
	Database string `yaml:"database" env:"DATABASE"`
	// 是否启用 TLS
	Secure bool `yaml:"secure" env:"SECURE"`
	// 压缩方式: none, lz4
	Compression string `yaml:"compression" env:"COMPRESSION"`
	// 建连超时
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// 健康探测超时
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout" env:"HEALTH_PROBE_TIMEOUT"`

	// 重试策略
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
	// 连接池
	Pool PoolConfig `yaml:"pool" env:"POOL"`
	// 熔断器
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER"`
	// 分析一致性检查
	Analytics AnalyticsConfig `yaml:"analytics" env:"ANALYTICS"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	InitialDelay      time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay          time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	ExponentialBase   float64       `yaml:"exponential_base" env:"EXPONENTIAL_BASE"`
	Jitter            bool          `yaml:"jitter" env:"JITTER"`
	TimeoutPerAttempt time.Duration `yaml:"timeout_per_attempt" env:"TIMEOUT_PER_ATTEMPT"`
}

// PoolConfig 连接池配置
type PoolConfig struct {
	// 空闲连接上限
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最大连接数（仅回显）
	MaxConnections int `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	// 建连超时
	ConnectionTimeout time.Duration `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
	// 空闲连接回收时间
	RecycleTime time.Duration `yaml:"recycle_time" env:"RECYCLE_TIME"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" env:"HALF_OPEN_MAX_CALLS"`
}

// AnalyticsConfig 分析一致性检查配置
type AnalyticsConfig struct {
	// 表名匹配模式（LIKE 语法）
	TablePattern string `yaml:"table_pattern" env:"TABLE_PATTERN"`
	// 必须存在的表
	RequiredTables []string `yaml:"required_tables" env:"REQUIRED_TABLES"`
	// 是否执行空写入探测
	WriteProbe bool `yaml:"write_probe" env:"WRITE_PROBE"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用报告缓存
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 是否启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// MigrationConfig 迁移配置
type MigrationConfig struct {
	// 迁移记录表
	TableName string `yaml:"table_name" env:"TABLE_NAME"`
	// 集群名（ON CLUSTER），单机留空
	ClusterName string `yaml:"cluster_name" env:"CLUSTER_NAME"`
}

// AuditConfig 定时审计配置
type AuditConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// cron 表达式，支持 @every 语法
	Schedule string `yaml:"schedule" env:"SCHEDULE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	legacyEnv  bool
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CHGUARD",
		legacyEnv:  true,
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLegacyEnv 是否读取无前缀的 CLICKHOUSE_* 环境变量
func (l *Loader) WithLegacyEnv(enabled bool) *Loader {
	l.legacyEnv = enabled
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从前缀环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 兼容部署脚本使用的 CLICKHOUSE_* 变量
	if l.legacyEnv {
		if err := loadLegacyClickHouseEnv(&cfg.ClickHouse); err != nil {
			return nil, fmt.Errorf("failed to load legacy clickhouse env: %w", err)
		}
	}

	// 5. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// legacyClickHouseEnv 历史部署使用的 CLICKHOUSE_HOST / PORT / USER / PASSWORD / DATABASE。
// 字段不带 envconfig 标签，避免 envconfig 回退读取无前缀的 HOST、USER 等系统变量。
type legacyClickHouseEnv struct {
	Host     *string
	Port     *int
	User     *string
	Password *string
	Database *string
}

func loadLegacyClickHouseEnv(ch *ClickHouseConfig) error {
	var env legacyClickHouseEnv
	if err := envconfig.Process("clickhouse", &env); err != nil {
		return err
	}

	if env.Host != nil {
		ch.Host = *env.Host
	}
	if env.Port != nil {
		ch.Port = *env.Port
	}
	if env.User != nil {
		ch.User = *env.User
	}
	if env.Password != nil {
		ch.Password = *env.Password
	}
	if env.Database != nil {
		ch.Database = *env.Database
	}
	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	r := c.ClickHouse.Retry
	if r.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	if r.ExponentialBase < 1 {
		errs = append(errs, "retry.exponential_base must be >= 1")
	}
	if r.InitialDelay > r.MaxDelay {
		errs = append(errs, "retry.initial_delay must not exceed retry.max_delay")
	}

	p := c.ClickHouse.Pool
	if p.PoolSize < 0 {
		errs = append(errs, "pool.pool_size must not be negative")
	}
	if p.MaxConnections > 0 && p.PoolSize > p.MaxConnections {
		errs = append(errs, "pool.pool_size must not exceed pool.max_connections")
	}

	if c.ClickHouse.CircuitBreaker.FailureThreshold <= 0 {
		errs = append(errs, "circuit_breaker.failure_threshold must be positive")
	}

	if c.Audit.Enabled {
		if c.Audit.Schedule == "" {
			errs = append(errs, "audit.schedule is required when audit is enabled")
		} else if _, err := cron.ParseStandard(c.Audit.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("audit.schedule is invalid: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateConnection 检查建连所需参数是否齐全
//
// 返回 CONFIG_ERROR 类型的错误，调用方据此与普通连接失败区分。
func (c ClickHouseConfig) ValidateConnection() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		missing = append(missing, "port")
	}
	if strings.TrimSpace(c.User) == "" {
		missing = append(missing, "user")
	}
	if strings.TrimSpace(c.Database) == "" {
		missing = append(missing, "database")
	}

	if len(missing) > 0 {
		return types.NewError(types.ErrConfiguration,
			"missing or invalid clickhouse settings: "+strings.Join(missing, ", "))
	}
	return nil
}

// Addr 返回 host:port
func (c ClickHouseConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
