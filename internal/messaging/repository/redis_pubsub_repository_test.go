package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/pkg/database"
	"campus_connect/pkg/logger"
	testtool "campus_connect/pkg/test_tool"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPubSubIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	logger.SetNewNop()
	ctx := context.Background()

	container, host, port, err := testtool.SetupContainer(ctx, testtool.RedisRequest())
	require.NoError(t, err)
	defer container.Terminate(ctx)

	client, err := database.NewRedisClient(ctx, fmt.Sprintf("%s:%s", host, port), 0)
	require.NoError(t, err)
	defer client.Close()

	feed := NewRedisPubSub(client)

	var inC1, all recorder
	unsubscribe, err := feed.Subscribe(ctx, Topic{Table: domain.TableMessages, Filter: Eq("conversation_id", "c1")}, inC1.handle)
	require.NoError(t, err)
	unsubscribeAll, err := feed.Subscribe(ctx, Topic{Table: domain.TableMessages}, all.handle)
	require.NoError(t, err)
	defer unsubscribeAll()

	for i := 0; i < 5; i++ {
		require.NoError(t, feed.Publish(ctx, messagePayload(fmt.Sprintf("m%d", i), "c1")))
	}
	require.NoError(t, feed.Publish(ctx, messagePayload("other", "c2")))

	require.Eventually(t, func() bool { return inC1.len() == 5 && all.len() == 6 }, 5*time.Second, 10*time.Millisecond)
	for i, p := range inC1.snapshot() {
		assert.Contains(t, string(p.New), fmt.Sprintf(`"id":"m%d"`, i))
	}

	unsubscribe()
	require.NoError(t, feed.Publish(ctx, messagePayload("late", "c1")))
	require.Eventually(t, func() bool { return all.len() == 7 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, inC1.len(), "no delivery after unsubscribe")
}
