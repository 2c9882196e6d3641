package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/metrics"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// IMediaStager brings request media into the internal object store.
type IMediaStager interface {
	Stage(ctx context.Context, objectKey string, media model.MediaRef) (*model.ObjectRef, error)
}

type IPublishUsecase interface {
	SubmitPublish(ctx context.Context, ownerID string, req dto.PublishRequest) (*dto.PublishAcceptedResponse, error)
	GetTaskStatuses(ctx context.Context, ownerID, requestID string) ([]dto.TaskStatusResponse, error)
	CancelRequest(ctx context.Context, ownerID, requestID string) error
	// Run drives the worker pool until ctx ends.
	Run(ctx context.Context) error
	// Kick asks the dispatcher to look for runnable tasks now.
	Kick()
}

// PublishOptions tune the coordinator. Zero values fall back to defaults.
type PublishOptions struct {
	Workers           int
	QueueSize         int
	AuthorizeAttempts int
	TransferAttempts  int
	FinalizeAttempts  int
	DispatchInterval  time.Duration
	RetryBase         time.Duration
	RateLimitBackoff  time.Duration
	// FirstPoll delays the first status query of an awaiting task.
	FirstPoll time.Duration
}

func (o *PublishOptions) defaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers * 4
	}
	if o.AuthorizeAttempts <= 0 {
		o.AuthorizeAttempts = 3
	}
	if o.TransferAttempts <= 0 {
		o.TransferAttempts = 3
	}
	if o.FinalizeAttempts <= 0 {
		o.FinalizeAttempts = 3
	}
	if o.DispatchInterval <= 0 {
		o.DispatchInterval = 2 * time.Second
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = 30 * time.Second
	}
	if o.FirstPoll <= 0 {
		o.FirstPoll = 5 * time.Second
	}
}

type publishUsecase struct {
	publish  repository.IPublish
	accounts repository.IAccount
	tokens   ITokenProvider
	registry repository.IDestinationRegistry
	stager   IMediaStager
	notifier repository.ITaskNotifier
	opts     PublishOptions
	now      func() time.Time

	queue chan string
	kick  chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	locks    map[string]*semaphore.Weighted
	held     map[string]struct{}
}

func NewPublishUsecase(
	publish repository.IPublish,
	accounts repository.IAccount,
	tokens ITokenProvider,
	registry repository.IDestinationRegistry,
	stager IMediaStager,
	notifier repository.ITaskNotifier,
	opts PublishOptions,
) IPublishUsecase {
	opts.defaults()
	return &publishUsecase{
		publish:  publish,
		accounts: accounts,
		tokens:   tokens,
		registry: registry,
		stager:   stager,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		queue:    make(chan string, opts.QueueSize),
		kick:     make(chan struct{}, 1),
		inflight: map[string]struct{}{},
		locks:    map[string]*semaphore.Weighted{},
		held:     map[string]struct{}{},
	}
}

func (u *publishUsecase) SubmitPublish(ctx context.Context, ownerID string, in dto.PublishRequest) (*dto.PublishAcceptedResponse, error) {
	content := in.Content.ToModel()
	if err := validateContent(content); err != nil {
		return nil, err
	}
	targets := dedupe(in.TargetAccountIDs)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target account is required", ErrInvalidRequest)
	}

	now := u.now().UTC()
	req := &model.PublishRequest{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Content:          content,
		TargetAccountIDs: targets,
		ScheduledAt:      in.ScheduledAt,
		CreatedAt:        now,
	}
	tasks := make([]*model.Task, 0, len(targets))
	for _, id := range targets {
		acc, err := u.accounts.Get(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("%w: account %s does not exist", ErrInvalidRequest, id)
			}
			return nil, err
		}
		if acc.OwnerID != ownerID {
			return nil, fmt.Errorf("%w: account %s does not exist", ErrInvalidRequest, id)
		}
		if acc.Status == model.AccountDisabled {
			return nil, fmt.Errorf("%w: account %s is disabled", ErrInvalidRequest, id)
		}
		adapter, ok := u.registry.Get(acc.Destination)
		if !ok {
			return nil, fmt.Errorf("%w: destination %s of account %s is not enabled", ErrInvalidRequest, acc.Destination, id)
		}
		if !adapter.Capabilities().Accepts(content.Kind) {
			return nil, fmt.Errorf("%w: %s does not accept %s content", ErrInvalidRequest, acc.Destination, content.Kind)
		}
		tasks = append(tasks, &model.Task{
			ID:             uuid.NewString(),
			RequestID:      req.ID,
			AccountID:      acc.ID,
			Destination:    acc.Destination,
			State:          model.TaskCreated,
			StateEnteredAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := u.publish.CreateRequestWithTasks(ctx, req, tasks); err != nil {
		return nil, fmt.Errorf("persist publish request: %w", err)
	}
	res := &dto.PublishAcceptedResponse{RequestID: req.ID, TaskIDs: make([]string, 0, len(tasks))}
	for _, t := range tasks {
		res.TaskIDs = append(res.TaskIDs, t.ID)
		u.emit(ctx, req, t, "", nil)
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"request_id": req.ID,
		"owner_id":   ownerID,
		"tasks":      len(tasks),
		"kind":       content.Kind,
	}).Info("publish request accepted")
	u.Kick()
	return res, nil
}

func validateContent(c model.PublishContent) error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown content kind %q", ErrInvalidRequest, c.Kind)
	}
	for i, m := range c.Media {
		if (m.ObjectKey == "") == (m.URL == "") {
			return fmt.Errorf("%w: media %d needs exactly one of object_key or url", ErrInvalidRequest, i)
		}
	}
	switch c.Kind {
	case model.ContentVideo:
		if len(c.Media) != 1 {
			return fmt.Errorf("%w: video content needs exactly one media item", ErrInvalidRequest)
		}
	case model.ContentImageSet:
		if len(c.Media) == 0 {
			return fmt.Errorf("%w: image set needs at least one image", ErrInvalidRequest)
		}
	case model.ContentText:
		if len(c.Media) != 0 {
			return fmt.Errorf("%w: text content carries no media", ErrInvalidRequest)
		}
		if c.Body == "" && c.Title == "" {
			return fmt.Errorf("%w: text content is empty", ErrInvalidRequest)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (u *publishUsecase) ownedRequest(ctx context.Context, ownerID, requestID string) (*model.PublishRequest, error) {
	req, err := u.publish.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.OwnerID != ownerID {
		return nil, repository.ErrNotFound
	}
	return req, nil
}

func (u *publishUsecase) GetTaskStatuses(ctx context.Context, ownerID, requestID string) ([]dto.TaskStatusResponse, error) {
	if _, err := u.ownedRequest(ctx, ownerID, requestID); err != nil {
		return nil, err
	}
	tasks, err := u.publish.ListTasks(ctx, requestID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.TaskStatusResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, dto.NewTaskStatusResponse(t))
	}
	return out, nil
}

// CancelRequest stops every task that has not reached Finalizing. Running
// tasks observe the cancellation at their next state write.
func (u *publishUsecase) CancelRequest(ctx context.Context, ownerID, requestID string) error {
	req, err := u.ownedRequest(ctx, ownerID, requestID)
	if err != nil {
		return err
	}
	if err := u.publish.MarkRequestCancelled(ctx, requestID, u.now().UTC()); err != nil {
		return fmt.Errorf("mark request cancelled: %w", err)
	}
	tasks, err := u.publish.ListTasks(ctx, requestID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		for attempt := 0; attempt < 3 && t.State.Cancellable(); attempt++ {
			err := u.transition(ctx, req, t, model.TaskCancelled, &model.TaskError{Kind: string(apperror.KindCancelled), Code: "user_cancelled"})
			if !errors.Is(err, repository.ErrStaleTask) {
				if err != nil {
					return err
				}
				break
			}
			if t, err = u.publish.GetTask(ctx, t.ID); err != nil {
				return err
			}
		}
	}
	logger.GetLogger().WithField("request_id", requestID).Info("publish request cancelled")
	return nil
}

func (u *publishUsecase) Kick() {
	select {
	case u.kick <- struct{}{}:
	default:
	}
}

func (u *publishUsecase) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < u.opts.Workers; i++ {
		g.Go(func() error {
			u.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		u.dispatchLoop(gctx)
		return nil
	})
	logger.GetLogger().WithField("workers", u.opts.Workers).Info("publish coordinator started")
	return g.Wait()
}

func (u *publishUsecase) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(u.opts.DispatchInterval)
	defer ticker.Stop()
	u.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-u.kick:
		}
		u.dispatch(ctx)
	}
}

// dispatch queues runnable tasks up to the free queue capacity. A task is
// never queued twice, and tasks of an account that is already running wait
// in their state for the next round.
func (u *publishUsecase) dispatch(ctx context.Context) {
	free := cap(u.queue) - len(u.queue)
	if free <= 0 {
		return
	}
	tasks, err := u.publish.ListRunnable(ctx, u.now(), free+u.opts.Workers)
	if err != nil {
		if ctx.Err() == nil {
			logger.GetLogger().WithField("error", err).Error("failed to list runnable tasks")
		}
		return
	}
	for _, t := range tasks {
		if u.accountHeld(t.AccountID) || !u.claim(t.ID) {
			continue
		}
		select {
		case u.queue <- t.ID:
			metrics.WorkerQueueDepth.Inc()
		default:
			u.release(t.ID)
			return
		}
	}
}

func (u *publishUsecase) claim(taskID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.inflight[taskID]; ok {
		return false
	}
	u.inflight[taskID] = struct{}{}
	return true
}

func (u *publishUsecase) release(taskID string) {
	u.mu.Lock()
	delete(u.inflight, taskID)
	u.mu.Unlock()
}

func (u *publishUsecase) accountLock(accountID string) *semaphore.Weighted {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, ok := u.locks[accountID]
	if !ok {
		l = semaphore.NewWeighted(1)
		u.locks[accountID] = l
	}
	return l
}

// lockAccount takes the account without waiting. A worker never parks on a
// busy account, so other accounts keep the pool.
func (u *publishUsecase) lockAccount(accountID string) bool {
	if !u.accountLock(accountID).TryAcquire(1) {
		return false
	}
	u.mu.Lock()
	u.held[accountID] = struct{}{}
	u.mu.Unlock()
	return true
}

func (u *publishUsecase) unlockAccount(accountID string) {
	u.mu.Lock()
	delete(u.held, accountID)
	u.mu.Unlock()
	u.accountLock(accountID).Release(1)
	u.Kick()
}

func (u *publishUsecase) accountHeld(accountID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.held[accountID]
	return ok
}

func (u *publishUsecase) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-u.queue:
			metrics.WorkerQueueDepth.Dec()
			u.runTask(ctx, id)
			u.release(id)
		}
	}
}

// taskRun carries what one execution of a task needs.
type taskRun struct {
	task    *model.Task
	req     *model.PublishRequest
	adapter repository.IDestination
	log     *logrus.Entry
}

func (u *publishUsecase) runTask(ctx context.Context, taskID string) {
	log := logger.GetLogger().WithField("task_id", taskID)
	task, err := u.publish.GetTask(ctx, taskID)
	if err != nil {
		log.WithField("error", err).Error("failed to load task")
		return
	}
	if task.State.Terminal() || task.State == model.TaskAwaitingConfirmation {
		return
	}
	req, err := u.publish.GetRequest(ctx, task.RequestID)
	if err != nil {
		log.WithField("error", err).Error("failed to load publish request")
		return
	}
	log = log.WithFields(logrus.Fields{
		"request_id":  req.ID,
		"account_id":  task.AccountID,
		"destination": task.Destination,
	})
	run := &taskRun{task: task, req: req, log: log}

	// Finalizing is past the point of no return and completes regardless.
	if req.CancelledAt != nil && task.State.Cancellable() {
		_ = u.transition(ctx, req, task, model.TaskCancelled, &model.TaskError{Kind: string(apperror.KindCancelled), Code: "user_cancelled"})
		return
	}
	adapter, ok := u.registry.Get(task.Destination)
	if !ok {
		u.fail(ctx, run, apperror.New(apperror.KindInternal, "destination_unavailable", ""), nil)
		return
	}
	run.adapter = adapter

	// One active task per account. On a busy account the task stays in its
	// state and is picked up by a later dispatch round.
	if !u.lockAccount(task.AccountID) {
		log.Debug("account busy, task deferred")
		return
	}
	defer u.unlockAccount(task.AccountID)

	for !run.task.State.Terminal() && run.task.State != model.TaskAwaitingConfirmation {
		if err := u.step(ctx, run); err != nil {
			if errors.Is(err, repository.ErrStaleTask) {
				u.reload(ctx, run)
				return
			}
			if ctx.Err() != nil {
				log.Info("task interrupted by shutdown, will resume")
				return
			}
			log.WithField("error", err).Error("task step failed without a state change")
			return
		}
	}
}

// reload logs what a concurrent writer did to the task.
func (u *publishUsecase) reload(ctx context.Context, run *taskRun) {
	latest, err := u.publish.GetTask(ctx, run.task.ID)
	if err != nil {
		run.log.WithField("error", err).Warn("task changed concurrently and could not be reloaded")
		return
	}
	run.log.WithField("state", latest.State).Info("task changed concurrently, stopping this run")
}

func (u *publishUsecase) step(ctx context.Context, run *taskRun) error {
	switch run.task.State {
	case model.TaskCreated:
		return u.transition(ctx, run.req, run.task, model.TaskAuthorizing, nil)

	case model.TaskAuthorizing:
		err := u.withRetry(ctx, run, u.opts.AuthorizeAttempts, func() error {
			_, err := u.tokens.GetValidToken(ctx, run.task.AccountID)
			return err
		})
		if err != nil {
			return u.failOrStop(ctx, run, err, nil)
		}
		return u.transition(ctx, run.req, run.task, model.TaskTransferring, nil)

	case model.TaskTransferring:
		var item *int
		err := u.withRetry(ctx, run, u.opts.TransferAttempts, func() error {
			var err error
			item, err = u.transfer(ctx, run)
			return err
		})
		if err != nil {
			return u.failOrStop(ctx, run, err, item)
		}
		return u.transition(ctx, run.req, run.task, model.TaskFinalizing, nil)

	case model.TaskFinalizing:
		var res *model.FinalizeResult
		err := u.withRetry(ctx, run, u.opts.FinalizeAttempts, func() error {
			token, err := u.tokens.GetValidToken(ctx, run.task.AccountID)
			if err != nil {
				return err
			}
			res, err = adapterCall(ctx, u, run, "finalize", func() (*model.FinalizeResult, error) {
				return run.adapter.Finalize(ctx, token, u.container(run))
			})
			return err
		})
		if err != nil {
			return u.failOrStop(ctx, run, err, nil)
		}
		now := u.now().UTC()
		switch {
		case res.ExternalContentID != "":
			id := res.ExternalContentID
			run.task.ExternalContentID = &id
			run.task.LastError = nil
			return u.transition(ctx, run.req, run.task, model.TaskPublished, nil)
		case res.PendingHandle != "":
			handle := res.PendingHandle
			next := now.Add(u.opts.FirstPoll)
			run.task.PendingHandle = &handle
			run.task.NextPollAt = &next
			run.task.PollCount = 0
			run.task.LastError = nil
			return u.transition(ctx, run.req, run.task, model.TaskAwaitingConfirmation, nil)
		}
		return u.failOrStop(ctx, run, apperror.New(apperror.KindInternal, "empty_finalize", "destination returned neither content id nor handle"), nil)
	}
	return fmt.Errorf("unexpected task state %s", run.task.State)
}

// transfer stages the media, creates the container once for destinations
// that need it first, then attaches every asset in order. Progress is saved
// after each item so a retry or restart does not repeat finished work.
func (u *publishUsecase) transfer(ctx context.Context, run *taskRun) (*int, error) {
	task, media := run.task, run.req.Content.Media
	for i := len(task.Assets); i < len(media); i++ {
		ref, err := u.stager.Stage(ctx, fmt.Sprintf("tasks/%s/%d", task.ID, i), media[i])
		if err != nil {
			return intPtr(i), err
		}
		task.Assets = append(task.Assets, *ref)
		if err := u.save(ctx, task); err != nil {
			return nil, err
		}
	}

	token, err := u.tokens.GetValidToken(ctx, task.AccountID)
	if err != nil {
		return nil, err
	}
	if task.ContainerID == nil && run.adapter.Capabilities().Ordering == model.ContainerFirst {
		id, err := adapterCall(ctx, u, run, "create_container", func() (string, error) {
			return run.adapter.CreateContainer(ctx, token, u.stagedContent(run))
		})
		if err != nil {
			return nil, err
		}
		task.ContainerID = &id
		if err := u.save(ctx, task); err != nil {
			return nil, err
		}
	}

	for i := len(task.Attachments); i < len(task.Assets); i++ {
		asset := model.Asset{Index: i, Ref: task.Assets[i]}
		ref, err := adapterCall(ctx, u, run, "attach_asset", func() (string, error) {
			return run.adapter.AttachAsset(ctx, token, u.container(run), asset)
		})
		if err != nil {
			return intPtr(i), err
		}
		task.Attachments = append(task.Attachments, ref)
		if err := u.save(ctx, task); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// stagedContent is the request content with media pointing at the staged
// objects.
func (u *publishUsecase) stagedContent(run *taskRun) model.PublishContent {
	content := run.req.Content
	content.Media = make([]model.MediaRef, 0, len(run.task.Assets))
	for _, a := range run.task.Assets {
		content.Media = append(content.Media, model.MediaRef{ObjectKey: a.Key, Size: a.Size, ContentType: a.ContentType})
	}
	return content
}

func (u *publishUsecase) container(run *taskRun) model.Container {
	c := model.Container{Content: u.stagedContent(run), Attachments: run.task.Attachments}
	if run.task.ContainerID != nil {
		c.ID = *run.task.ContainerID
	}
	return c
}

// adapterCall waits for the destination's rate limiter and times the adapter call.
func adapterCall[T any](ctx context.Context, u *publishUsecase, run *taskRun, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := u.registry.Wait(ctx, run.task.Destination); err != nil {
		return zero, apperror.Wrap(err, apperror.KindTransientNetwork, "rate_wait")
	}
	start := time.Now()
	out, err := fn()
	status := "success"
	if err != nil {
		status = string(apperror.KindOf(err))
	}
	metrics.RecordAdapterCall(string(run.task.Destination), op, status, time.Since(start).Seconds())
	return out, err
}

// withRetry runs op up to attempts times. Each attempt bumps the task's
// attempt counter; retryable failures back off exponentially, rate limits
// wait for the destination's hint.
func (u *publishUsecase) withRetry(ctx context.Context, run *taskRun, attempts int, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.RetryBase
	b.MaxInterval = u.opts.RateLimitBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	var err error
	for i := 1; i <= attempts; i++ {
		run.task.Attempt++
		if serr := u.save(ctx, run.task); serr != nil {
			return serr
		}
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrStaleTask) || !apperror.IsRetryable(err) || i == attempts {
			return err
		}
		wait := b.NextBackOff()
		if apperror.Is(err, apperror.KindRateLimited) {
			wait = apperror.RetryAfter(err)
			if wait <= 0 {
				wait = u.opts.RateLimitBackoff
			}
		}
		run.task.LastError = taskError(err, nil)
		run.log.WithFields(logrus.Fields{"attempt": run.task.Attempt, "wait": wait.String(), "error": err}).Warn("retrying task step")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// failOrStop fails the task unless the error came from a concurrent writer
// or a shutdown, in which case the run just ends.
func (u *publishUsecase) failOrStop(ctx context.Context, run *taskRun, err error, item *int) error {
	if errors.Is(err, repository.ErrStaleTask) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return u.fail(ctx, run, err, item)
}

func (u *publishUsecase) fail(ctx context.Context, run *taskRun, err error, item *int) error {
	taskErr := taskError(err, item)
	run.log.WithFields(logrus.Fields{"kind": taskErr.Kind, "code": taskErr.Code, "error": err}).Warn("task failed")
	return u.transition(ctx, run.req, run.task, model.TaskFailed, taskErr)
}

func taskError(err error, item *int) *model.TaskError {
	return &model.TaskError{
		Kind:    string(apperror.KindOf(err)),
		Code:    apperror.CodeOf(err),
		Message: apperror.MessageOf(err),
		Item:    item,
	}
}

// save writes task progress without changing state. It fails with
// ErrStaleTask when someone else moved the task.
func (u *publishUsecase) save(ctx context.Context, task *model.Task) error {
	return u.publish.UpdateTask(ctx, task, task.State)
}

// transition moves the task along one edge of the state machine with a
// compare-and-set on its current state.
func (u *publishUsecase) transition(ctx context.Context, req *model.PublishRequest, task *model.Task, to model.TaskState, taskErr *model.TaskError) error {
	from := task.State
	if !model.CanTransition(from, to) {
		return fmt.Errorf("illegal task transition %s -> %s", from, to)
	}
	next := task.Clone()
	next.State = to
	next.StateEnteredAt = u.now().UTC()
	if taskErr != nil {
		next.LastError = taskErr
	}
	if err := u.publish.UpdateTask(ctx, next, from); err != nil {
		return err
	}
	*task = *next
	metrics.RecordTransition(string(task.Destination), string(from), string(to))
	if to == model.TaskFailed && taskErr != nil {
		metrics.RecordFailure(string(task.Destination), taskErr.Kind)
	}
	u.emit(ctx, req, task, from, taskErr)
	return nil
}

func (u *publishUsecase) emit(ctx context.Context, req *model.PublishRequest, task *model.Task, from model.TaskState, taskErr *model.TaskError) {
	if u.notifier == nil {
		return
	}
	ev := repository.TaskEvent{
		OwnerID:   req.OwnerID,
		RequestID: req.ID,
		TaskID:    task.ID,
		AccountID: task.AccountID,
		From:      from,
		To:        task.State,
		Error:     taskErr,
		At:        task.StateEnteredAt,
	}
	if err := u.notifier.NotifyTask(ctx, ev); err != nil {
		logger.GetLogger().WithFields(logrus.Fields{"task_id": task.ID, "error": err}).Warn("task notification failed")
	}
}

func intPtr(i int) *int { return &i }
