package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Webhook WebhookConfig `json:"webhook"`
	Signer  SignerConfig  `json:"signer"`
	Web3    Web3Config    `json:"web3"`
	Notify  NotifyConfig  `json:"notify"`
	Plugins PluginsConfig `json:"plugins"`
	Logging LoggingConfig `json:"logging"`
	Runtime RuntimeConfig `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `json:"address"`
	ReadTimeoutSec  int    `json:"read_timeout_seconds"`
	WriteTimeoutSec int    `json:"write_timeout_seconds"`
	ShutdownSec     int    `json:"shutdown_timeout_seconds"`
}

// StorageConfig 统一描述实体存储后端的连接信息。
// 所有实体共用同一个驱动，memory 适用于开发与测试，mysql 用于生产。
type StorageConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// WebhookConfig 控制事件回调的投递队列与重试参数。
type WebhookConfig struct {
	Queue    QueueConfig `json:"queue"`
	Workers  int         `json:"workers"`
	SweepSec int         `json:"sweep_interval_seconds"`
}

// QueueConfig 描述投递队列后端。支持 memory、redis 和 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Capacity int            `json:"capacity"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列的连接参数。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Durable  bool   `json:"durable"`
	Prefetch int    `json:"prefetch"`
}

// SignerConfig 描述支付授权签名所需的密钥与有效期。
// 私钥通过环境变量注入，避免出现在配置文件中。
type SignerConfig struct {
	PrivateKeyEnv      string `json:"private_key_env"`
	ValiditySeconds    int64  `json:"validity_seconds"`
	VerifyingContract  string `json:"verifying_contract"`
	AuthorizationChain int64  `json:"authorization_chain_id"`
}

// Web3Config 描述链上提交所需的链注册表与节点信息。
type Web3Config struct {
	ChainsFile string `json:"chains_file"`
	Enabled    bool   `json:"enabled"`
}

// NotifyConfig 描述所有者通知的外部渠道。默认只写运行日志。
type NotifyConfig struct {
	Email EmailConfig `json:"email"`
}

// EmailConfig 描述邮件通知的 SMTP 参数。
// 密码通过环境变量注入，避免出现在配置文件中。
type EmailConfig struct {
	Enabled       bool     `json:"enabled"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	Username      string   `json:"username"`
	PasswordEnv   string   `json:"password_env"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	SubjectPrefix string   `json:"subject_prefix"`
}

// PluginsConfig 指向通知插件管理器的 YAML 配置文件。留空表示不加载插件。
type PluginsConfig struct {
	ConfigFile string `json:"config_file"`
}

// LoggingConfig 控制运行日志与审计日志的输出。
type LoggingConfig struct {
	Level        string   `json:"level"`
	Format       string   `json:"format"`
	Outputs      []string `json:"outputs"`
	AuditPath    string   `json:"audit_path"`
	AuditMaxMB   int      `json:"audit_max_size_mb"`
	AuditBackups int      `json:"audit_max_backups"`
	AuditMaxAge  int      `json:"audit_max_age_days"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = 30
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = 30
	}
	if c.Server.ShutdownSec <= 0 {
		c.Server.ShutdownSec = 15
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 25
	}
	if c.Storage.MaxIdleConns <= 0 {
		c.Storage.MaxIdleConns = 5
	}
	if c.Storage.ConnMaxLifetime <= 0 {
		c.Storage.ConnMaxLifetime = 300
	}

	if c.Webhook.Queue.Driver == "" {
		c.Webhook.Queue.Driver = "memory"
	}
	if c.Webhook.Queue.Capacity <= 0 {
		c.Webhook.Queue.Capacity = 1024
	}
	if c.Webhook.Queue.Redis.Key == "" {
		c.Webhook.Queue.Redis.Key = "agentpay:webhook:deliveries"
	}
	if c.Webhook.Queue.RabbitMQ.Queue == "" {
		c.Webhook.Queue.RabbitMQ.Queue = "agentpay.webhook.deliveries"
	}
	if c.Webhook.Queue.RabbitMQ.Prefetch <= 0 {
		c.Webhook.Queue.RabbitMQ.Prefetch = 8
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 4
	}
	if c.Webhook.SweepSec <= 0 {
		c.Webhook.SweepSec = 30
	}

	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "AGENTPAY_SIGNER_KEY"
	}
	if c.Signer.ValiditySeconds <= 0 {
		c.Signer.ValiditySeconds = 300
	}

	if c.Web3.ChainsFile != "" && !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}
	if c.Notify.Email.Port <= 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.Email.PasswordEnv == "" {
		c.Notify.Email.PasswordEnv = "AGENTPAY_SMTP_PASSWORD"
	}
	if c.Plugins.ConfigFile != "" && !filepath.IsAbs(c.Plugins.ConfigFile) {
		c.Plugins.ConfigFile = filepath.Join(baseDir, c.Plugins.ConfigFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(baseDir, c.Logging.AuditPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
