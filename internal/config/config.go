// Package config 提供配置加载和管理功能
package config

import (
	"time"
)

// Config 应用配置根结构
type Config struct {
	App           AppConfig           `yaml:"app" mapstructure:"app"`
	Server        ServerConfig        `yaml:"server" mapstructure:"server"`
	Clients       ClientsConfig       `yaml:"clients" mapstructure:"clients"`
	Database      DatabaseConfig      `yaml:"database" mapstructure:"database"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	LLM           LLMConfig           `yaml:"llm" mapstructure:"llm"`
	Messaging     MessagingConfig     `yaml:"messaging" mapstructure:"messaging"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Security      SecurityConfig      `yaml:"security" mapstructure:"security"`
	Generation    GenerationConfig    `yaml:"generation" mapstructure:"generation"`
	Batch         BatchConfig         `yaml:"batch" mapstructure:"batch"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`
	Version string `yaml:"version" mapstructure:"version"`
	Env     string `yaml:"env" mapstructure:"env"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPServerConfig `yaml:"http" mapstructure:"http"`
}

// HTTPServerConfig HTTP 服务器配置
type HTTPServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// ClientsConfig 外部/内部依赖客户端配置
type ClientsConfig struct {
	Generation GenerationClientConfig `yaml:"generation" mapstructure:"generation"`
}

// GenerationClientConfig 章节生成流客户端配置
type GenerationClientConfig struct {
	// BaseURL 生成服务地址，例如 http://localhost:8081
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	// GeneratePath 生成端点路径，支持 {project_id} 占位符
	GeneratePath string `yaml:"generate_path" mapstructure:"generate_path"`
	// ConnectTimeout 建立连接超时；流读取本身不设超时
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres" mapstructure:"postgres"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	User            string        `yaml:"user" mapstructure:"user"`
	Password        string        `yaml:"password" mapstructure:"password"`
	Database        string        `yaml:"database" mapstructure:"database"`
	SSLMode         string        `yaml:"ssl_mode" mapstructure:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	Password     string        `yaml:"password" mapstructure:"password"`
	DB           int           `yaml:"db" mapstructure:"db"`
	PoolSize     int           `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	// SnapshotTTL 批量/会话快照在 Redis 中的保留时间
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	DefaultProvider string                    `yaml:"default_provider" mapstructure:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers" mapstructure:"providers"`
}

// ProviderConfig LLM 提供商配置
type ProviderConfig struct {
	APIKey      string        `yaml:"api_key" mapstructure:"api_key"`
	BaseURL     string        `yaml:"base_url" mapstructure:"base_url"`
	Model       string        `yaml:"model" mapstructure:"model"`
	MaxTokens   int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64       `yaml:"temperature" mapstructure:"temperature"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// MessagingConfig 消息队列配置
type MessagingConfig struct {
	RedisStream RedisStreamConfig `yaml:"redis_stream" mapstructure:"redis_stream"`
}

// RedisStreamConfig Redis Stream 配置
type RedisStreamConfig struct {
	MaxLen              int           `yaml:"max_len" mapstructure:"max_len"`
	ConsumerGroupPrefix string        `yaml:"consumer_group_prefix" mapstructure:"consumer_group_prefix"`
	BlockTimeout        time.Duration `yaml:"block_timeout" mapstructure:"block_timeout"`
	ClaimInterval       time.Duration `yaml:"claim_interval" mapstructure:"claim_interval"`
	RetryLimit          int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryBackoff        BackoffConfig `yaml:"retry_backoff" mapstructure:"retry_backoff"`
}

// BackoffConfig 退避配置
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" mapstructure:"initial"`
	Max        time.Duration `yaml:"max" mapstructure:"max"`
	Multiplier float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// ObservabilityConfig 可观测性配置
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter   string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint   string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Port    int    `yaml:"port" mapstructure:"port"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// SecurityConfig 安全配置
type SecurityConfig struct {
	CORS      CORSConfig      `yaml:"cors" mapstructure:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig 批量任务写接口限流配置
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// RequestsPerMinute 每个项目每分钟允许的写请求数
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// CORSConfig CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" mapstructure:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" mapstructure:"allowed_headers"`
}

// GenerationConfig 生成会话配置
type GenerationConfig struct {
	// ReadChunkSize 每次从流中读取的字节数
	ReadChunkSize int `yaml:"read_chunk_size" mapstructure:"read_chunk_size"`
	// RealtimePreview 是否同时维护实时预览排版
	RealtimePreview bool `yaml:"realtime_preview" mapstructure:"realtime_preview"`
	// NoisePhrases 追加的状态噪声短语（不区分大小写的前缀匹配）
	NoisePhrases []string `yaml:"noise_phrases" mapstructure:"noise_phrases"`
	// AutosaveDebounce 流式过程中自动保存的去抖间隔
	AutosaveDebounce time.Duration `yaml:"autosave_debounce" mapstructure:"autosave_debounce"`
	// SnapshotThrottle 会话快照向外发布的去抖间隔
	SnapshotThrottle time.Duration `yaml:"snapshot_throttle" mapstructure:"snapshot_throttle"`
	// ContextTailChars 作为滚动上下文的上一章末尾字符数
	ContextTailChars int `yaml:"context_tail_chars" mapstructure:"context_tail_chars"`
}

// BatchConfig 批量生成配置
type BatchConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	GracePeriod       time.Duration `yaml:"grace_period" mapstructure:"grace_period"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval" mapstructure:"ready_poll_interval"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout" mapstructure:"ready_timeout"`
	MaxCycles         int           `yaml:"max_cycles" mapstructure:"max_cycles"`
	// FailurePolicy 无人值守时的失败策略：continue / abort
	FailurePolicy string `yaml:"failure_policy" mapstructure:"failure_policy"`
	// MaxConsecutiveFailures 连续失败达到该值后升级为 abort，0 表示不限制
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" mapstructure:"max_consecutive_failures"`
	// DecisionTimeout 等待外部决策的时间，超时回退到 FailurePolicy；0 表示一直等待
	DecisionTimeout time.Duration `yaml:"decision_timeout" mapstructure:"decision_timeout"`
	// CancelWatchInterval worker 轮询取消标记的间隔
	CancelWatchInterval time.Duration `yaml:"cancel_watch_interval" mapstructure:"cancel_watch_interval"`
}
