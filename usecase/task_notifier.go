package usecase

import (
	"context"
	"errors"

	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
)

// taskNotifiers fans one task event out to every sink. A failing sink does
// not keep the others from receiving the event.
type taskNotifiers []repository.ITaskNotifier

// NewTaskNotifiers combines sinks; nil sinks are dropped.
func NewTaskNotifiers(sinks ...repository.ITaskNotifier) repository.ITaskNotifier {
	out := make(taskNotifiers, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (n taskNotifiers) NotifyTask(ctx context.Context, ev repository.TaskEvent) error {
	var errs []error
	for _, sink := range n {
		if err := sink.NotifyTask(ctx, ev); err != nil {
			logger.GetLogger().WithFields(map[string]interface{}{
				"task_id": ev.TaskID,
				"sink":    sinkName(sink),
				"error":   err,
			}).Warn("task event sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sinkName(s repository.ITaskNotifier) string {
	if named, ok := s.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "unnamed"
}
