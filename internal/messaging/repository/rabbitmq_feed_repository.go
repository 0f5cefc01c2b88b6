package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"campus_connect/pkg/database"
	"campus_connect/pkg/logger"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RealtimeExchange topic exchange every change is published to, routing key = table
const RealtimeExchange = "campus.realtime"

// rabbitFeed Feed over a rabbitmq topic exchange. Each subscription gets its
// own channel and an exclusive auto-delete queue.
type rabbitFeed struct {
	conn *amqp.Connection

	mu    sync.Mutex
	pubCh *amqp.Channel
}

// NewRabbitFeed declares the exchange and returns a rabbitmq backed Feed
func NewRabbitFeed(conn *amqp.Connection) (Feed, error) {
	ch, err := database.GetRabbitMQChannelWithRetry(conn, 3, time.Second)
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(RealtimeExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &rabbitFeed{conn: conn, pubCh: ch}, nil
}

func (r *rabbitFeed) Publish(ctx context.Context, payload ChangePayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubCh.Publish(RealtimeExchange, payload.Table, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   payload.CommitAt,
		Body:        data,
	})
}

func (r *rabbitFeed) Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (func(), error) {
	if err := topic.Filter.Validate(); err != nil {
		return nil, err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, topic.Table, RealtimeExchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			// 關閉 channel 後 deliveries 會被關閉，consumer goroutine 隨之結束
			ch.Close()
		})
	}

	go func() {
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				var p ChangePayload
				if err := json.Unmarshal(d.Body, &p); err != nil {
					logger.Log.Error("decode change payload failed", zap.String("queue", q.Name), zap.Error(err))
					continue
				}
				if !topic.Matches(p) {
					continue
				}
				handler(p)
			case <-ctx.Done():
				unsubscribe()
				return
			}
		}
	}()
	return unsubscribe, nil
}

func (r *rabbitFeed) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubCh.Close()
}
