package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

// IUploadReaper aborts upload sessions that stopped making progress.
type IUploadReaper interface {
	ReapAbandoned(ctx context.Context, now time.Time) (int, error)
}

type IStatusUsecase interface {
	// Resolve applies a terminal status to the task owning handle. Repeated
	// or late resolutions are no-ops.
	Resolve(ctx context.Context, destination model.DestinationType, handle string, result model.StatusResult, source string) error
	HandleWebhook(ctx context.Context, destination model.DestinationType, header http.Header, body []byte) (int, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
	Run(ctx context.Context) error
}

// StatusOptions tune the poller. Zero values fall back to defaults.
type StatusOptions struct {
	MinAge    time.Duration
	Intervals []time.Duration
	Horizon   time.Duration
	Interval  time.Duration
	BatchSize int
}

func (o *StatusOptions) defaults() {
	if o.MinAge <= 0 {
		o.MinAge = 5 * time.Second
	}
	if len(o.Intervals) == 0 {
		o.Intervals = []time.Duration{5 * time.Second, 15 * time.Second, 60 * time.Second}
	}
	if o.Horizon <= 0 {
		o.Horizon = 24 * time.Hour
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

type statusUsecase struct {
	publish  repository.IPublish
	tokens   ITokenProvider
	registry repository.IDestinationRegistry
	notifier repository.ITaskNotifier
	reaper   IUploadReaper
	opts     StatusOptions
	now      func() time.Time
}

func NewStatusUsecase(
	publish repository.IPublish,
	tokens ITokenProvider,
	registry repository.IDestinationRegistry,
	notifier repository.ITaskNotifier,
	reaper IUploadReaper,
	opts StatusOptions,
) IStatusUsecase {
	opts.defaults()
	return &statusUsecase{
		publish:  publish,
		tokens:   tokens,
		registry: registry,
		notifier: notifier,
		reaper:   reaper,
		opts:     opts,
		now:      time.Now,
	}
}

func (u *statusUsecase) Resolve(ctx context.Context, destination model.DestinationType, handle string, result model.StatusResult, source string) error {
	task, err := u.publish.FindByHandle(ctx, destination, handle)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.RecordStatus(string(destination), source, "unknown_handle")
			logger.GetLogger().WithFields(logrus.Fields{"destination": destination, "handle": handle}).Info("status for unknown handle ignored")
			return nil
		}
		return err
	}
	return u.resolveTask(ctx, task, result, source)
}

// resolveTask is the single place where an awaiting task reaches a terminal
// state. The compare-and-set on AwaitingConfirmation makes concurrent
// resolutions from polls and callbacks apply at most once.
func (u *statusUsecase) resolveTask(ctx context.Context, task *model.Task, result model.StatusResult, source string) error {
	log := logger.GetLogger().WithFields(logrus.Fields{
		"task_id":     task.ID,
		"destination": task.Destination,
		"source":      source,
	})
	if task.State != model.TaskAwaitingConfirmation {
		metrics.RecordStatus(string(task.Destination), source, "ignored")
		log.WithField("state", task.State).Debug("status ignored, task is not awaiting confirmation")
		return nil
	}

	now := u.now().UTC()
	var (
		to      model.TaskState
		taskErr *model.TaskError
	)
	switch {
	case now.Sub(task.StateEnteredAt) > u.opts.Horizon:
		to = model.TaskFailed
		taskErr = &model.TaskError{Kind: string(apperror.KindTimeout), Code: "confirmation_timeout"}
	case result.Outcome == model.StatusPublished:
		to = model.TaskPublished
		if task.ExternalContentID == nil {
			id := result.ExternalContentID
			if id == "" && task.PendingHandle != nil {
				id = *task.PendingHandle
			}
			task.ExternalContentID = &id
		}
	case result.Outcome == model.StatusFailed:
		to = model.TaskFailed
		kind := result.ErrorKind
		if kind == "" {
			kind = string(apperror.KindContentRejected)
		}
		taskErr = &model.TaskError{Kind: kind, Code: "destination_failed", Message: result.ErrorDetail}
	default:
		return nil
	}
	return u.apply(ctx, task, to, taskErr, source)
}

// apply moves an awaiting task to its terminal state with a compare-and-set
// and emits the transition.
func (u *statusUsecase) apply(ctx context.Context, task *model.Task, to model.TaskState, taskErr *model.TaskError, source string) error {
	log := logger.GetLogger().WithFields(logrus.Fields{
		"task_id":     task.ID,
		"destination": task.Destination,
		"source":      source,
	})
	next := task.Clone()
	next.State = to
	next.StateEnteredAt = u.now().UTC()
	next.NextPollAt = nil
	if taskErr != nil {
		next.LastError = taskErr
	}
	if err := u.publish.UpdateTask(ctx, next, model.TaskAwaitingConfirmation); err != nil {
		if errors.Is(err, repository.ErrStaleTask) {
			metrics.RecordStatus(string(task.Destination), source, "duplicate")
			log.Debug("task already resolved")
			return nil
		}
		return fmt.Errorf("resolve task: %w", err)
	}
	metrics.RecordStatus(string(task.Destination), source, string(to))
	metrics.RecordTransition(string(task.Destination), string(model.TaskAwaitingConfirmation), string(to))
	if taskErr != nil {
		metrics.RecordFailure(string(task.Destination), taskErr.Kind)
	}
	log.WithField("state", to).Info("task resolved")
	u.emit(ctx, next, taskErr)
	return nil
}

func (u *statusUsecase) emit(ctx context.Context, task *model.Task, taskErr *model.TaskError) {
	if u.notifier == nil {
		return
	}
	req, err := u.publish.GetRequest(ctx, task.RequestID)
	if err != nil {
		logger.GetLogger().WithFields(logrus.Fields{"task_id": task.ID, "error": err}).Warn("request lookup for notification failed")
		return
	}
	ev := repository.TaskEvent{
		OwnerID:   req.OwnerID,
		RequestID: task.RequestID,
		TaskID:    task.ID,
		AccountID: task.AccountID,
		From:      model.TaskAwaitingConfirmation,
		To:        task.State,
		Error:     taskErr,
		At:        task.StateEnteredAt,
	}
	if err := u.notifier.NotifyTask(ctx, ev); err != nil {
		logger.GetLogger().WithFields(logrus.Fields{"task_id": task.ID, "error": err}).Warn("task notification failed")
	}
}

func (u *statusUsecase) HandleWebhook(ctx context.Context, destination model.DestinationType, header http.Header, body []byte) (int, error) {
	receiver, ok := u.registry.Webhook(destination)
	if !ok {
		return 0, ErrUnknownDestination
	}
	events, err := receiver.ParseWebhook(header, body)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if err := u.Resolve(ctx, destination, ev.Handle, ev.Result, "callback"); err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

// Sweep polls the awaiting tasks that are due and reschedules those still
// pending. It returns how many tasks reached a terminal state.
func (u *statusUsecase) Sweep(ctx context.Context, now time.Time) (int, error) {
	tasks, err := u.publish.ListAwaiting(ctx, now, u.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list awaiting tasks: %w", err)
	}
	resolved := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		done, err := u.poll(ctx, task, now)
		if err != nil {
			logger.GetLogger().WithFields(logrus.Fields{"task_id": task.ID, "error": err}).Warn("status poll failed")
		}
		if done {
			resolved++
		}
	}
	if u.reaper != nil {
		if _, err := u.reaper.ReapAbandoned(ctx, now); err != nil {
			logger.GetLogger().WithField("error", err).Warn("upload session reaper failed")
		}
	}
	return resolved, nil
}

func (u *statusUsecase) poll(ctx context.Context, task *model.Task, now time.Time) (bool, error) {
	if now.Sub(task.StateEnteredAt) > u.opts.Horizon {
		return true, u.resolveTask(ctx, task, model.StatusResult{Outcome: model.StatusStillPending}, "timeout")
	}
	if now.Sub(task.StateEnteredAt) < u.opts.MinAge || task.PendingHandle == nil {
		return false, nil
	}
	adapter, ok := u.registry.Get(task.Destination)
	if !ok {
		return false, u.reschedule(ctx, task, now)
	}
	token, err := u.tokens.GetValidToken(ctx, task.AccountID)
	if apperror.Is(err, apperror.KindAuthExpired) {
		code := apperror.CodeOf(err)
		if code == "" {
			code = "needs_reauth"
		}
		taskErr := &model.TaskError{Kind: string(apperror.KindAuthExpired), Code: code, Message: apperror.MessageOf(err)}
		return true, u.apply(ctx, task, model.TaskFailed, taskErr, "poll")
	}
	if err != nil {
		return false, errors.Join(err, u.reschedule(ctx, task, now))
	}
	if err := u.registry.Wait(ctx, task.Destination); err != nil {
		return false, err
	}
	res, err := adapter.QueryStatus(ctx, token, *task.PendingHandle)
	if err != nil {
		metrics.RecordStatus(string(task.Destination), "poll", "error")
		return false, errors.Join(err, u.reschedule(ctx, task, now))
	}
	if res.Terminal() {
		return true, u.resolveTask(ctx, task, *res, "poll")
	}
	metrics.RecordStatus(string(task.Destination), "poll", string(model.StatusStillPending))
	return false, u.reschedule(ctx, task, now)
}

// reschedule backs the next poll off along the configured intervals,
// staying at the last one.
func (u *statusUsecase) reschedule(ctx context.Context, task *model.Task, now time.Time) error {
	task.PollCount++
	idx := task.PollCount
	if idx >= len(u.opts.Intervals) {
		idx = len(u.opts.Intervals) - 1
	}
	next := now.Add(u.opts.Intervals[idx])
	task.NextPollAt = &next
	err := u.publish.UpdateTask(ctx, task, model.TaskAwaitingConfirmation)
	if errors.Is(err, repository.ErrStaleTask) {
		return nil
	}
	return err
}

func (u *statusUsecase) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()
	logger.GetLogger().WithField("interval", u.opts.Interval.String()).Info("status poller started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := u.Sweep(ctx, u.now()); err != nil && ctx.Err() == nil {
				logger.GetLogger().WithField("error", err).Error("status sweep failed")
			}
		}
	}
}
