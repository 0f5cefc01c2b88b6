package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"campus_connect/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// redisPubSub Feed over redis pub/sub, one channel per table
type redisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub create a redis backed Feed
func NewRedisPubSub(client *redis.Client) Feed {
	return &redisPubSub{client: client}
}

// Publish 將 payload 序列化後，發布到 table 對應的 channel
func (r *redisPubSub) Publish(ctx context.Context, payload ChangePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channelName(payload.Table), data).Err()
}

// Subscribe 訂閱 table 的 channel，符合 topic 的訊息交給 handler 處理
func (r *redisPubSub) Subscribe(ctx context.Context, topic Topic, handler func(ChangePayload)) (func(), error) {
	if err := topic.Filter.Validate(); err != nil {
		return nil, err
	}
	channel := channelName(topic.Table)
	sub := r.client.Subscribe(ctx, channel)
	// 等待訂閱確認，之後發布的訊息才保證收得到
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			sub.Close()
		})
	}

	go func() {
		defer unsubscribe()
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				var p ChangePayload
				if err := json.Unmarshal([]byte(m.Payload), &p); err != nil {
					logger.Log.Error("decode change payload failed", zap.String("channel", channel), zap.Error(err))
					continue
				}
				if !topic.Matches(p) {
					continue
				}
				handler(p)
			case <-subCtx.Done():
				logger.Log.Debug("sub close", zap.String("channel", channel))
				return
			}
		}
	}()
	return unsubscribe, nil
}

// Close the client is owned by the caller
func (r *redisPubSub) Close() error {
	return nil
}
