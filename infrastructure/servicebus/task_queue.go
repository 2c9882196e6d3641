package servicebus

import (
	"context"
	"encoding/json"

	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// MessageSender is the part of an azservicebus.Sender the queue needs.
type MessageSender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// TaskQueue forwards terminal task transitions to a Service Bus queue for
// downstream consumers.
type TaskQueue struct {
	sender MessageSender
}

// NewTaskQueue opens a sender for the queue.
func NewTaskQueue(client *azservicebus.Client, queue string) (*TaskQueue, error) {
	sender, err := client.NewSender(queue, nil)
	if err != nil {
		logger.GetLogger().
			WithField("error", err).
			Error("Error while making new sender service bus.")
		return nil, err
	}
	return &TaskQueue{sender: sender}, nil
}

func NewTaskQueueWithSender(sender MessageSender) *TaskQueue {
	return &TaskQueue{sender: sender}
}

func (q *TaskQueue) NotifyTask(ctx context.Context, ev repository.TaskEvent) error {
	if !ev.To.Terminal() && ev.To != model.TaskAwaitingConfirmation {
		return nil
	}
	body, err := json.Marshal(dto.NewTaskEventMessage(ev))
	if err != nil {
		return err
	}
	contentType := "application/json"
	sessionID := ev.RequestID
	msg := &azservicebus.Message{
		Body:        body,
		ContentType: &contentType,
		SessionID:   &sessionID,
		ApplicationProperties: map[string]interface{}{
			"task_id": ev.TaskID,
			"state":   string(ev.To),
		},
	}
	if err := q.sender.SendMessage(ctx, msg, nil); err != nil {
		logger.GetLogger().WithField("error", err).Error("Error while sending message.")
		return err
	}
	return nil
}

func (q *TaskQueue) Close(ctx context.Context) {
	if err := q.sender.Close(ctx); err != nil {
		logger.GetLogger().
			WithField("error", err).
			Error("Error while closing sender.")
	}
}

var _ repository.ITaskNotifier = (*TaskQueue)(nil)
