package config

import "time"

// Messaging definition messaging_service YAML structure
type Messaging struct {
	Port     string `mapstructure:"port"`
	GRPCPort string `mapstructure:"grpc_port"`

	Store    StoreConfig    `mapstructure:"store"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Presence PresenceConfig `mapstructure:"presence"`
	Typing   TypingConfig   `mapstructure:"typing"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Backend  BackendConfig  `mapstructure:"backend"`

	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	MongoSQL   DatabaseConfig `mapstructure:"mongo"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ   DatabaseConfig `mapstructure:"rabbitmq"`
	MinIO      MinIOConfig    `mapstructure:"minio"`
}

// StoreConfig selects the row store: memory, postgres or mongo
type StoreConfig struct {
	Driver  string `mapstructure:"driver"`
	Migrate bool   `mapstructure:"migrate"`
}

// FeedConfig selects the change feed transport: memory, redis, kafka or rabbitmq
type FeedConfig struct {
	Driver string `mapstructure:"driver"`
}

// PresenceConfig definition presence timings
type PresenceConfig struct {
	Debounce     time.Duration `mapstructure:"debounce"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	TTL          time.Duration `mapstructure:"ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

// TypingConfig definition typing indicator timings
type TypingConfig struct {
	Idle time.Duration `mapstructure:"idle"`
}

// AuthConfig definition jwt + session setting
type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// BackendConfig bounds every backend call
type BackendConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	RedisDB int    `mapstructure:"redis_db"`
}

// KafkaConfig definition kafka setting
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// MinIOConfig definition object storage setting
type MinIOConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	BucketName string `mapstructure:"bucket"`
	PublicURL  string `mapstructure:"public_url"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}
