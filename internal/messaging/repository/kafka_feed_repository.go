package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"campus_connect/internal/messaging/domain"
	"campus_connect/pkg/logger"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// kafkaFeed Feed over kafka. One topic per table, messages keyed so that
// every event of a conversation lands on the same partition in commit order.
type kafkaFeed struct {
	writer      *kafka.Writer
	brokers     []string
	topicPrefix string
}

// NewKafkaFeed create a kafka backed Feed
func NewKafkaFeed(writer *kafka.Writer, brokers []string, topicPrefix string) Feed {
	return &kafkaFeed{writer: writer, brokers: brokers, topicPrefix: topicPrefix}
}

// KafkaTopics every topic the feed writes to
func KafkaTopics(prefix string) []string {
	tables := []string{domain.TableConversations, domain.TableMessages, domain.TableUserStatus}
	topics := make([]string, 0, len(tables))
	for _, t := range tables {
		topics = append(topics, kafkaTopic(prefix, t))
	}
	return topics
}

func kafkaTopic(prefix, table string) string {
	if prefix == "" {
		return table
	}
	return prefix + "." + table
}

// partitionKey messages by conversation, every other row by its primary key
func partitionKey(p ChangePayload) []byte {
	row, err := decodeRow(p.Row())
	if err != nil {
		return nil
	}
	col := "id"
	switch p.Table {
	case domain.TableMessages:
		col = "conversation_id"
	case domain.TableUserStatus:
		col = "user_id"
	}
	key, _ := row[col].(string)
	return []byte(key)
}

func (k *kafkaFeed) Publish(ctx context.Context, payload ChangePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: kafkaTopic(k.topicPrefix, payload.Table),
		Key:   partitionKey(payload),
		Value: data,
	})
}

// Subscribe joins a fresh consumer group so every subscription sees every
// event published after it joined.
func (k *kafkaFeed) Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (func(), error) {
	if err := topic.Filter.Validate(); err != nil {
		return nil, err
	}
	if len(k.brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	name := kafkaTopic(k.topicPrefix, topic.Table)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		GroupID:     "campus-" + uuid.NewString(),
		Topic:       name,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
		})
	}

	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(subCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || subCtx.Err() != nil {
					return
				}
				logger.Log.Error("kafka read failed", zap.String("topic", name), zap.Error(err))
				return
			}
			var p ChangePayload
			if err := json.Unmarshal(m.Value, &p); err != nil {
				logger.Log.Error("decode change payload failed", zap.String("topic", name), zap.Error(err))
				continue
			}
			if !topic.Matches(p) {
				continue
			}
			handler(p)
		}
	}()
	return unsubscribe, nil
}

func (k *kafkaFeed) Close() error {
	return k.writer.Close()
}
