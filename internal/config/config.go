// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/joho/godotenv/autoload"
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
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Lock          LockConfig          `mapstructure:"lock"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Maintenance   MaintenanceConfig   `mapstructure:"maintenance"`
	Share         ShareConfig         `mapstructure:"share"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 校验相关的配置。令牌由外部认证服务签发。
type JWTConfig struct {
	Secret    string `mapstructure:"secret"`
	AdminRole string `mapstructure:"admin_role"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时不发布 file.ready 事件。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// StorageConfig 选择 Blob 存储的实现：minio 或 local。
type StorageConfig struct {
	Type      string      `mapstructure:"type"`
	LocalPath string      `mapstructure:"local_path"`
	MinIO     MinIOConfig `mapstructure:"minio"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// UploadConfig 存储分片上传相关的配置。大小字段接受 "5MiB" 这样的写法。
type UploadConfig struct {
	ChunkSize   string        `mapstructure:"chunk_size"`
	MaxFileSize string        `mapstructure:"max_file_size"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
	LockWait    time.Duration `mapstructure:"lock_wait"`
	CancelWait  time.Duration `mapstructure:"cancel_wait"`
	FileTTL     time.Duration `mapstructure:"file_ttl"`
}

// ChunkSizeBytes 将 chunk_size 解析为字节数。
func (u UploadConfig) ChunkSizeBytes() (int64, error) {
	return parseBytes("upload.chunk_size", u.ChunkSize)
}

// MaxFileSizeBytes 将 max_file_size 解析为字节数，0 表示不限制。
func (u UploadConfig) MaxFileSizeBytes() (int64, error) {
	if u.MaxFileSize == "" {
		return 0, nil
	}
	return parseBytes("upload.max_file_size", u.MaxFileSize)
}

// LockConfig 选择并发锁的后端：redis 或 local。启动时确定，运行期间不会切换。
type LockConfig struct {
	Backend string `mapstructure:"backend"`
}

// AuditConfig 指定审计日志写入的目标，可选 db 和 es。
type AuditConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

// MaintenanceConfig 存储后台维护任务的配置。
type MaintenanceConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	PurgeGrace     time.Duration `mapstructure:"purge_grace"`
	AbandonedAfter time.Duration `mapstructure:"abandoned_after"`
	Concurrency    int           `mapstructure:"concurrency"`
	AuditRetention time.Duration `mapstructure:"audit_retention"`
}

// ShareConfig 存储分享链接的配置。bcrypt_cost 为 0 时使用 bcrypt 的默认值。
type ShareConfig struct {
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	MaxTTL       time.Duration `mapstructure:"max_ttl"`
	MaxDownloads int           `mapstructure:"max_downloads"`
	BcryptCost   int           `mapstructure:"bcrypt_cost"`
}

// PipelineConfig 存储上传完成后处理流程的配置。
type PipelineConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	BlockedExtensions []string `mapstructure:"blocked_extensions"`
}

func parseBytes(key, value string) (int64, error) {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("配置项 %s 无法解析为字节数 %q: %w", key, value, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("配置项 %s 必须大于 0", key)
	}
	return int64(n), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("jwt.admin_role", "ADMIN")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "file-ready")
	v.SetDefault("kafka.group_id", "fastdrop-go-consumer")
	v.SetDefault("elasticsearch.index_name", "fastdrop-audit")
	v.SetDefault("storage.type", "minio")
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("upload.chunk_size", "5MiB")
	v.SetDefault("upload.lock_ttl", 5*time.Minute)
	v.SetDefault("upload.lock_wait", 2*time.Second)
	v.SetDefault("upload.cancel_wait", 5*time.Minute)
	v.SetDefault("lock.backend", "redis")
	v.SetDefault("audit.sinks", []string{"db"})
	v.SetDefault("maintenance.interval", time.Hour)
	v.SetDefault("maintenance.purge_grace", 7*24*time.Hour)
	v.SetDefault("maintenance.abandoned_after", 24*time.Hour)
	v.SetDefault("maintenance.concurrency", 4)
	v.SetDefault("maintenance.audit_retention", 365*24*time.Hour)
	v.SetDefault("share.default_ttl", 7*24*time.Hour)
	v.SetDefault("share.max_ttl", 30*24*time.Hour)
	v.SetDefault("share.max_downloads", 1000)
}

// Load 从指定路径读取 YAML 配置，环境变量 FASTDROP_* 会覆盖文件中的同名配置项。
func Load(configPath string) (Config, error) {
	var cfg Config

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FASTDROP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate 检查配置中互相依赖或取值受限的字段。
func (c Config) Validate() error {
	if _, err := c.Upload.ChunkSizeBytes(); err != nil {
		return err
	}
	if _, err := c.Upload.MaxFileSizeBytes(); err != nil {
		return err
	}
	switch c.Storage.Type {
	case "minio", "local":
	default:
		return fmt.Errorf("未知的存储类型: %q", c.Storage.Type)
	}
	switch c.Lock.Backend {
	case "redis", "local":
	default:
		return fmt.Errorf("未知的锁后端: %q", c.Lock.Backend)
	}
	if c.Upload.LockTTL <= 0 {
		return fmt.Errorf("upload.lock_ttl 必须大于 0")
	}
	if c.Upload.CancelWait > c.Upload.LockTTL {
		return fmt.Errorf("upload.cancel_wait 不能超过 upload.lock_ttl")
	}
	if c.Share.MaxTTL > 0 && c.Share.DefaultTTL > c.Share.MaxTTL {
		return fmt.Errorf("share.default_ttl 不能超过 share.max_ttl")
	}
	for _, sink := range c.Audit.Sinks {
		if sink != "db" && sink != "es" {
			return fmt.Errorf("未知的审计输出: %q", sink)
		}
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
