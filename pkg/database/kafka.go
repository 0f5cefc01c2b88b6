package database

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"campus_connect/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewKafkaWriterWithRetry 確認 broker 可連線後建立 Kafka Writer
// The writer has no fixed topic, every message names its own.
func NewKafkaWriterWithRetry(ctx context.Context, k KafkaConnection) (*kafka.Writer, error) {
	if len(k.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	var err error
	for attempt := 1; attempt <= k.RetryCount; attempt++ {
		var conn *kafka.Conn
		conn, err = kafka.DialContext(ctx, "tcp", k.Brokers[0])
		if err == nil {
			conn.Close()
			logger.Log.Info("Kafka broker reachable", zap.Int("attempt", attempt))
			return &kafka.Writer{
				Addr:                   kafka.TCP(k.Brokers...),
				Balancer:               &kafka.Hash{},
				AllowAutoTopicCreation: true,
				BatchTimeout:           10 * time.Millisecond,
			}, nil
		}

		logger.Log.Warn("Kafka broker unreachable, retrying...",
			zap.Int("attempt", attempt), zap.Int("max", k.RetryCount), zap.Error(err))
		sleepCtx(ctx, k.RetryInterval)
	}

	return nil, fmt.Errorf("無法建立 Kafka Writer，經過 %d 次嘗試: %w", k.RetryCount, err)
}

// EnsureKafkaTopics creates the topics on the controller broker when missing
func EnsureKafkaTopics(ctx context.Context, brokers []string, topics ...string) error {
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial kafka: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{Topic: t, NumPartitions: 1, ReplicationFactor: 1})
	}
	return ctrl.CreateTopics(configs...)
}
