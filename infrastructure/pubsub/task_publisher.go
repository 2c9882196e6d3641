package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"crosspost/domain/dto"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"cloud.google.com/go/pubsub"
)

// TaskPublisher publishes every task transition to a Pub/Sub topic.
type TaskPublisher struct {
	PubSubClient *pubsub.Client
	topicName    string

	once  sync.Once
	topic *pubsub.Topic
	err   error
}

func NewTaskPublisher(pubSubClient *pubsub.Client, topicName string) *TaskPublisher {
	return &TaskPublisher{PubSubClient: pubSubClient, topicName: topicName}
}

func (p *TaskPublisher) ensureTopic(ctx context.Context) (*pubsub.Topic, error) {
	p.once.Do(func() {
		topic := p.PubSubClient.Topic(p.topicName)
		exists, err := topic.Exists(ctx)
		if err != nil {
			p.err = err
			return
		}
		if !exists {
			logger.GetLogger().WithField("topic", p.topicName).Info("Topic doesn't exist - creating it")
			if topic, err = p.PubSubClient.CreateTopic(ctx, p.topicName); err != nil {
				p.err = err
				return
			}
		}
		p.topic = topic
	})
	return p.topic, p.err
}

func (p *TaskPublisher) NotifyTask(ctx context.Context, ev repository.TaskEvent) error {
	topic, err := p.ensureTopic(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(dto.NewTaskEventMessage(ev))
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"request_id": ev.RequestID,
			"task_id":    ev.TaskID,
			"state":      string(ev.To),
		},
	}
	serverID, err := topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return err
	}
	logger.GetLogger().WithField("server ID", serverID).WithField("task_id", ev.TaskID).Debug("Task event published")
	return nil
}

// Stop flushes pending messages.
func (p *TaskPublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

var _ repository.ITaskNotifier = (*TaskPublisher)(nil)
