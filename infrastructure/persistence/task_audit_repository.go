package persistence

import (
	"context"
	"fmt"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// NewMongoDb connects to MongoDB using a full URI.
func NewMongoDb(ctx context.Context, uri string) (*mongo.Client, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is empty")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetConnectTimeout(5 * time.Second))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// TaskAuditRepository appends every task transition to a Mongo collection.
type TaskAuditRepository struct {
	collection *mongo.Collection
}

type taskAuditDocument struct {
	OwnerID   string    `bson:"owner_id"`
	RequestID string    `bson:"request_id"`
	TaskID    string    `bson:"task_id"`
	AccountID string    `bson:"account_id"`
	From      string    `bson:"from"`
	To        string    `bson:"to"`
	ErrorKind string    `bson:"error_kind,omitempty"`
	ErrorCode string    `bson:"error_code,omitempty"`
	Message   string    `bson:"message,omitempty"`
	At        time.Time `bson:"at"`
}

func NewTaskAuditRepository(client *mongo.Client, database string) *TaskAuditRepository {
	return &TaskAuditRepository{collection: client.Database(database).Collection("task_transitions")}
}

func (r *TaskAuditRepository) NotifyTask(ctx context.Context, ev repository.TaskEvent) error {
	doc := taskAuditDocument{
		OwnerID:   ev.OwnerID,
		RequestID: ev.RequestID,
		TaskID:    ev.TaskID,
		AccountID: ev.AccountID,
		From:      string(ev.From),
		To:        string(ev.To),
		At:        ev.At,
	}
	if ev.Error != nil {
		doc.ErrorKind = ev.Error.Kind
		doc.ErrorCode = ev.Error.Code
		doc.Message = ev.Error.Message
	}
	_, err := r.collection.InsertOne(ctx, doc)
	return err
}

// History returns the recorded transitions of a task in order.
func (r *TaskAuditRepository) History(ctx context.Context, taskID string) ([]repository.TaskEvent, error) {
	cursor, err := r.collection.Find(ctx, bson.D{{Key: "task_id", Value: taskID}},
		options.Find().SetSort(bson.D{{Key: "at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func(cursor *mongo.Cursor, ctx context.Context) {
		if err := cursor.Close(ctx); err != nil {
			logger.GetLogger().WithField("error", err).Error("Error while closing cursor")
		}
	}(cursor, ctx)

	var events []repository.TaskEvent
	for cursor.Next(ctx) {
		var doc taskAuditDocument
		if err := cursor.Decode(&doc); err != nil {
			logger.GetLogger().WithField("error", err).Error("Error while decoding")
			continue
		}
		events = append(events, repository.TaskEvent{
			OwnerID:   doc.OwnerID,
			RequestID: doc.RequestID,
			TaskID:    doc.TaskID,
			AccountID: doc.AccountID,
			From:      model.TaskState(doc.From),
			To:        model.TaskState(doc.To),
			At:        doc.At,
		})
	}
	return events, cursor.Err()
}

var _ repository.ITaskNotifier = (*TaskAuditRepository)(nil)
