// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Session       SessionConfig       `mapstructure:"session"`
	Chat          ChatConfig          `mapstructure:"chat"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// TrustedProxies 为空时 ClientIP 只使用连接地址，忽略 X-Forwarded-For
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN    string `mapstructure:"dsn"`
	LogSQL bool   `mapstructure:"log_sql"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
	RefreshTokenExpireDays int    `mapstructure:"refresh_token_expire_days"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// SessionConfig 控制匿名会话（未登录时的短期历史）。
type SessionConfig struct {
	CookieName string        `mapstructure:"cookie_name"`
	TTL        time.Duration `mapstructure:"ttl"`
	Secure     bool          `mapstructure:"secure"`
}

// ChatConfig 存储对话流程相关的配置。
type ChatConfig struct {
	MaxTurns       int     `mapstructure:"max_turns"`
	DefaultTone    string  `mapstructure:"default_tone"`
	TitleMaxLen    int     `mapstructure:"title_max_len"`
	FragmentBuffer int     `mapstructure:"fragment_buffer"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateBurst      int     `mapstructure:"rate_burst"`
}

// LLMConfig 存储本地大语言模型（Ollama）相关的配置。
type LLMConfig struct {
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
	Prompt     LLMPromptConfig     `mapstructure:"prompt"`
}

// LLMGenerationConfig 配置生成相关参数（可选，零值表示使用模型默认值）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	NumPredict  int     `mapstructure:"num_predict"`
}

// LLMPromptConfig 配置语气前导语，{tone} 会被替换为请求中的语气。
type LLMPromptConfig struct {
	Preamble string `mapstructure:"preamble"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不发布对话事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。Addresses 为空时搜索走数据库。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。Endpoint 为空时禁用导出。
type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket_name"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
}

// DefaultPreamble 是默认的语气前导语。
const DefaultPreamble = "You are an assistant that should reply in a {tone} tone. " +
	"Be curt, sarcastic, and a bit rude if asked to be mean, but never use slurs, threats, or encourage harm. " +
	"Keep replies concise and directed at the user's message.\n\n"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("jwt.refresh_token_expire_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("session.cookie_name", "chat_session")
	v.SetDefault("session.ttl", 7*24*time.Hour)
	v.SetDefault("chat.max_turns", 6)
	v.SetDefault("chat.default_tone", "mean")
	v.SetDefault("chat.title_max_len", 200)
	v.SetDefault("chat.fragment_buffer", 32)
	v.SetDefault("chat.rate_limit", 1.0)
	v.SetDefault("chat.rate_burst", 5)
	v.SetDefault("llm.base_url", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.timeout", 5*time.Minute)
	v.SetDefault("llm.prompt.preamble", DefaultPreamble)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "chat-exchanges")
	v.SetDefault("kafka.group_id", "chat-indexer")
	v.SetDefault("elasticsearch.addresses", "")
	v.SetDefault("elasticsearch.index_name", "chat_messages")
	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key_id", "")
	v.SetDefault("minio.secret_access_key", "")
	v.SetDefault("minio.bucket_name", "chat-exports")
	v.SetDefault("minio.url_expiry", time.Hour)
}

// Load 从指定的 YAML 文件加载配置，环境变量（前缀 CHAT_）优先于文件。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return c, nil
}

// Init 加载配置到全局 Conf，失败时 panic。
func Init(configPath string) {
	c, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = c
}
