package database

import (
	"fmt"
	"net/url"
	"time"

	"campus_connect/pkg/config"

	"go.mongodb.org/mongo-driver/mongo"
)

// Connection definition slq setting
type Connection struct {
	ConnectStr string

	RetryCount    int
	RetryInterval time.Duration
}

// MongoDB definition mongo db
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// MinIOConnection definition minio
type MinIOConnection struct {
	Endpoint   string
	User       string
	Password   string
	BucketName string
	UseSSL     bool

	RetryCount    int
	RetryInterval time.Duration
}

// KafkaConnection definition kafka
type KafkaConnection struct {
	Brokers       []string
	RetryCount    int
	RetryInterval time.Duration
}

// PostgresConnection builds the pgx/gorm connection from config
func PostgresConnection(c config.DatabaseConfig) Connection {
	return Connection{
		ConnectStr: fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
			url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Database),
		RetryCount:    retryCount(c.RetryCount),
		RetryInterval: time.Duration(c.RetryInterval) * time.Second,
	}
}

// MongoConnection builds the mongo connection from config
func MongoConnection(c config.DatabaseConfig) Connection {
	auth := ""
	if c.User != "" {
		auth = fmt.Sprintf("%s:%s@", url.QueryEscape(c.User), url.QueryEscape(c.Password))
	}
	return Connection{
		ConnectStr:    fmt.Sprintf("mongodb://%s%s:%d", auth, c.Host, c.Port),
		RetryCount:    retryCount(c.RetryCount),
		RetryInterval: time.Duration(c.RetryInterval) * time.Second,
	}
}

// RabbitConnection builds the amqp connection from config
func RabbitConnection(c config.DatabaseConfig) Connection {
	return Connection{
		ConnectStr: fmt.Sprintf("amqp://%s:%s@%s:%d/",
			url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port),
		RetryCount:    retryCount(c.RetryCount),
		RetryInterval: time.Duration(c.RetryInterval) * time.Second,
	}
}

// MinIOConnectionFrom builds the minio connection from config
func MinIOConnectionFrom(c config.MinIOConfig) MinIOConnection {
	return MinIOConnection{
		Endpoint:      c.Endpoint,
		User:          c.User,
		Password:      c.Password,
		BucketName:    c.BucketName,
		UseSSL:        c.UseSSL,
		RetryCount:    3,
		RetryInterval: 2 * time.Second,
	}
}

// KafkaConnectionFrom builds the kafka connection from config
func KafkaConnectionFrom(c config.KafkaConfig) KafkaConnection {
	return KafkaConnection{
		Brokers:       c.Brokers,
		RetryCount:    3,
		RetryInterval: 2 * time.Second,
	}
}

// 至少嘗試一次
func retryCount(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
