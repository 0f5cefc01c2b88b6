package repository

import (
	"encoding/json"
	"testing"

	"campus_connect/internal/messaging/domain"

	"github.com/stretchr/testify/assert"
)

func TestPartitionKey(t *testing.T) {
	assert.Equal(t, []byte("c1"), partitionKey(messagePayload("m1", "c1")), "messages keyed by conversation")

	status, _ := json.Marshal(domain.UserStatus{UserID: "u1"})
	assert.Equal(t, []byte("u1"), partitionKey(ChangePayload{Table: domain.TableUserStatus, New: status}))

	assert.Equal(t, []byte("c9"), partitionKey(ChangePayload{
		Table: domain.TableConversations, EventType: domain.EventDelete, Old: json.RawMessage(`{"id":"c9"}`),
	}))
}

func TestKafkaTopics(t *testing.T) {
	assert.Equal(t, []string{"campus.conversations", "campus.messages", "campus.user_status"}, KafkaTopics("campus"))
	assert.Equal(t, "messages", kafkaTopic("", domain.TableMessages))
}
