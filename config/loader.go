// Package config 加载 agentcanvas 的运行配置。
//
// 优先级从低到高：DefaultConfig、YAML 文件、环境变量。YAML 以严格模式
// 解析，未知字段报错；环境变量名由前缀与 env 标签逐级拼接，例如
// AGENTCANVAS_STORE_TYPE。
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentcanvas.yaml").
//	    Load()
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是 AgentCanvas 的完整配置结构
type Config struct {
	Server     ServerConfig     `yaml:"server" env:"SERVER"`
	Generation GenerationConfig `yaml:"generation" env:"GENERATION"`
	// LLM Provider 配置（generation.mode=llm 时使用）
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort    int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（同步运行接口会等待整个工作流完成）
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每个客户端 IP 的限流速率
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// CORS 允许的来源，空表示不设置 CORS 头
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 启动时加载的工作流定义文件或目录（目录下的 .yaml/.yml/.json）
	WorkflowFiles []string `yaml:"workflow_files" env:"WORKFLOW_FILES"`
	// 定义文件变更后自动重新加载
	WatchWorkflows bool `yaml:"watch_workflows" env:"WATCH_WORKFLOWS"`
	// 定义文件轮询间隔
	WatchInterval time.Duration `yaml:"watch_interval" env:"WATCH_INTERVAL"`
	// HTTPS 证书与私钥，两者同时设置时 API 以 TLS 提供服务
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// GenerationConfig 生成服务配置
type GenerationConfig struct {
	// 模式: http（直接调用生成端点）, llm（经由 LLM Provider）
	Mode string `yaml:"mode" env:"MODE"`
	// 生成端点 URL（mode=http）
	Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	APIKey   string `yaml:"api_key" env:"API_KEY"`
	// 额外信任的 CA 证书（PEM），http 与 llm 模式都生效
	CAFile  string        `yaml:"ca_file" env:"CA_FILE"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 节点未指定模型时的默认模型
	DefaultModel string `yaml:"default_model" env:"DEFAULT_MODEL"`
	// 最大重试次数，0 表示不重试
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// 每秒请求数上限，0 表示不限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 连续上游失败多少次后熔断，0 表示不熔断
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断后多久放行探测请求
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// LLMConfig LLM Provider 配置
type LLMConfig struct {
	// Provider 名称（仅用于日志与指标）
	Provider      string        `yaml:"provider" env:"PROVIDER"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	BaseURL       string        `yaml:"base_url" env:"BASE_URL"`
	Model         string        `yaml:"model" env:"MODEL"`
	FallbackModel string        `yaml:"fallback_model" env:"FALLBACK_MODEL"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StoreConfig 运行记录存储配置
type StoreConfig struct {
	// 类型: memory, redis, database
	Type      string `yaml:"type" env:"TYPE"`
	Capacity  int    `yaml:"capacity" env:"CAPACITY"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Redis 记录过期时间，0 表示不过期
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// redis/database 后端的探活与连接池上报间隔
	MonitorInterval time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	MaxRetries   int    `yaml:"max_retries" env:"MAX_RETRIES"`
	TLSEnabled   bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// postgres、mysql 或 sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 慢查询阈值，超过后以 warn 级别记录 SQL，0 表示不记录
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" env:"SLOW_QUERY_THRESHOLD"`
}

// LogConfig 日志配置
type LogConfig struct {
	// debug、info、warn、error
	Level string `yaml:"level" env:"LEVEL"`
	// json 或 console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"INSECURE"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
	// 0 到 1 的链路采样比例
	SampleRate     float64       `yaml:"sample_rate" env:"SAMPLE_RATE"`
	MetricInterval time.Duration `yaml:"metric_interval" env:"METRIC_INTERVAL"`
	// 部署环境，写入 deployment.environment 资源属性
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 发往 collector 的额外 gRPC 元数据，例如鉴权头
	Headers map[string]string `yaml:"headers" env:"HEADERS"`
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "AGENTCANVAS",
		lookupEnv: os.LookupEnv,
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

// WithLookupEnv 替换环境变量来源，测试中可传入 map 查找
func (l *Loader) WithLookupEnv(fn func(string) (string, bool)) *Loader {
	if fn != nil {
		l.lookupEnv = fn
	}
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置，优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.decodeFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}

	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// decodeFile 严格解析 YAML：未知字段报错，文件不存在或为空时保留默认值
func (l *Loader) decodeFile(cfg *Config) error {
	f, err := os.Open(l.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv 按 env 标签递归覆盖字段，键名为 前缀_父标签_字段标签。
// 所有解析错误一并返回
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	var errs []error
	t := v.Type()
	for i := range v.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			errs = append(errs, l.applyEnv(field, key))
			continue
		}
		raw, ok := l.lookupEnv(key)
		if !ok || raw == "" {
			continue
		}
		if err := decodeEnvValue(field, raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// decodeEnvValue 将字符串写入字段。列表以逗号分隔，映射为 k1=v1,k2=v2
func decodeEnvValue(field reflect.Value, raw string) error {
	switch p := field.Addr().Interface().(type) {
	case *string:
		*p = raw
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*p = d
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*p = n
	case *float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*p = f
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*p = b
	case *[]string:
		*p = splitList(raw)
	case *map[string]string:
		m, err := parsePairs(raw)
		if err != nil {
			return err
		}
		*p = m
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePairs(raw string) (map[string]string, error) {
	m := make(map[string]string)
	for _, pair := range splitList(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid map entry %q, want key=value", pair)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m, nil
}

// Validate 验证配置，一次返回全部问题
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		fail("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		fail("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		fail("server.tls_cert_file and server.tls_key_file must be set together")
	}

	switch c.Generation.Mode {
	case "http":
		if c.Generation.Endpoint == "" {
			fail("generation.endpoint is required in http mode")
		}
	case "llm":
		if c.LLM.BaseURL == "" {
			fail("llm.base_url is required in llm mode")
		}
	default:
		fail("unknown generation mode %q", c.Generation.Mode)
	}
	if c.Generation.MaxRetries < 0 {
		fail("generation.max_retries must not be negative")
	}
	if c.Generation.BreakerThreshold < 0 {
		fail("generation.breaker_threshold must not be negative")
	}

	switch c.Store.Type {
	case "memory", "redis":
	case "database":
		if c.Database.DSN() == "" {
			fail("unsupported database driver %q", c.Database.Driver)
		}
	default:
		fail("unknown store type %q", c.Store.Type)
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		fail("telemetry.sample_rate must be between 0 and 1")
	}

	return errors.Join(errs...)
}

// DSN 返回数据库连接字符串。postgres 使用 URL 形式，用户名与密码会被转义；
// 不支持的驱动返回空串
func (d *DatabaseConfig) DSN() string {
	hostPort := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	switch d.Driver {
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   hostPort,
			Path:   "/" + d.Name,
		}
		if d.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
		}
		return u.String()
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", d.User, d.Password, hostPort, d.Name)
	case "sqlite":
		return d.Name
	}
	return ""
}
