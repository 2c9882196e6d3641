package servicebus_test

import (
	"context"
	"encoding/json"
	"testing"

	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/servicebus"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	sent   []*azservicebus.Message
	closed bool
}

func (s *recordingSender) SendMessage(_ context.Context, m *azservicebus.Message, _ *azservicebus.SendMessageOptions) error {
	s.sent = append(s.sent, m)
	return nil
}

func (s *recordingSender) Close(context.Context) error {
	s.closed = true
	return nil
}

func TestTaskQueue_ForwardsSettledTransitionsOnly(t *testing.T) {
	sender := &recordingSender{}
	queue := servicebus.NewTaskQueueWithSender(sender)
	ctx := context.Background()

	require.NoError(t, queue.NotifyTask(ctx, repository.TaskEvent{TaskID: "t1", RequestID: "r1", From: model.TaskCreated, To: model.TaskAuthorizing}))
	require.NoError(t, queue.NotifyTask(ctx, repository.TaskEvent{TaskID: "t1", RequestID: "r1", From: model.TaskFinalizing, To: model.TaskAwaitingConfirmation}))
	require.NoError(t, queue.NotifyTask(ctx, repository.TaskEvent{TaskID: "t1", RequestID: "r1", From: model.TaskAwaitingConfirmation, To: model.TaskPublished}))

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "r1", *sender.sent[1].SessionID)
	assert.Equal(t, "published", sender.sent[1].ApplicationProperties["state"])

	var msg dto.TaskEventMessage
	require.NoError(t, json.Unmarshal(sender.sent[1].Body, &msg))
	assert.Equal(t, "published", msg.To)

	queue.Close(ctx)
	assert.True(t, sender.closed)
}

func TestNewServiceBus_EmptyNamespace(t *testing.T) {
	_, err := servicebus.NewServiceBus(context.Background(), "")
	assert.Error(t, err)
}
