package usecase

import (
	"context"
	"testing"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/persistence"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishFixture struct {
	uc       *publishUsecase
	mem      *persistence.MemoryStore
	notifier *recordingNotifier
	registry repository.IDestinationRegistry
	tokens   ITokenProvider
}

func newPublishFixture(t *testing.T, adapters ...*fakeDestination) *publishFixture {
	t.Helper()
	mem := persistence.NewMemoryStore()
	dests := make([]repository.IDestination, 0, len(adapters))
	for _, a := range adapters {
		dests = append(dests, a)
	}
	reg := registryOf(dests...)
	tokens := NewOAuthUsecase(mem, mem.Credentials(), mem, reg, time.Minute)
	n := &recordingNotifier{}
	uc := NewPublishUsecase(mem, mem, tokens, reg, stubStager{}, n, PublishOptions{
		Workers:          4,
		DispatchInterval: 10 * time.Millisecond,
		RetryBase:        5 * time.Millisecond,
		RateLimitBackoff: 20 * time.Millisecond,
	}).(*publishUsecase)
	return &publishFixture{uc: uc, mem: mem, notifier: n, registry: reg, tokens: tokens}
}

func (f *publishFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.uc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *publishFixture) task(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := f.mem.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *publishFixture) waitState(t *testing.T, id string, want model.TaskState) *model.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.task(t, id).State == want
	}, 3*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return f.task(t, id)
}

func imageSet(n int, accounts ...string) dto.PublishRequest {
	media := make([]dto.MediaRequest, n)
	for i := range media {
		media[i] = dto.MediaRequest{ObjectKey: "media/img-" + string(rune('a'+i)), ContentType: "image/jpeg", Size: int64(100 + i)}
	}
	return dto.PublishRequest{
		Content:          dto.PublishContentRequest{Kind: "image_set", Media: media, Body: "hello"},
		TargetAccountIDs: accounts,
	}
}

func video(accounts ...string) dto.PublishRequest {
	return dto.PublishRequest{
		Content: dto.PublishContentRequest{
			Kind:  "video",
			Media: []dto.MediaRequest{{ObjectKey: "media/clip.mp4", ContentType: "video/mp4", Size: 1000}},
			Title: "clip",
		},
		TargetAccountIDs: accounts,
	}
}

func TestSubmitPublish_CreatesOneTaskPerAccount(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
	f := newPublishFixture(t, yt, fb)
	a := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")
	b := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(1, a.ID, b.ID, a.ID))
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 2, "duplicate targets collapse")

	statuses, err := f.uc.GetTaskStatuses(context.Background(), "u1", res.RequestID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, string(model.TaskCreated), s.State)
	}
	for _, id := range res.TaskIDs {
		assert.Equal(t, []model.TaskState{model.TaskCreated}, f.notifier.transitions(id))
	}
}

func TestSubmitPublish_Validation(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	yt.caps.Kinds = []model.ContentKind{model.ContentVideo}
	f := newPublishFixture(t, yt)
	mine := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")
	theirs := seedAccount(t, f.mem, "u2", model.DestinationYouTube, time.Hour, "rt")
	disabled := seedAccount(t, f.mem, "u3", model.DestinationYouTube, time.Hour, "rt")
	require.NoError(t, f.mem.UpdateStatus(context.Background(), disabled.ID, model.AccountDisabled))

	cases := map[string]struct {
		owner string
		req   dto.PublishRequest
	}{
		"unknown kind": {"u1", dto.PublishRequest{Content: dto.PublishContentRequest{Kind: "poll"}, TargetAccountIDs: []string{mine.ID}}},
		"video with two media": {"u1", dto.PublishRequest{
			Content:          dto.PublishContentRequest{Kind: "video", Media: []dto.MediaRequest{{ObjectKey: "a"}, {ObjectKey: "b"}}},
			TargetAccountIDs: []string{mine.ID},
		}},
		"media with key and url": {"u1", dto.PublishRequest{
			Content:          dto.PublishContentRequest{Kind: "video", Media: []dto.MediaRequest{{ObjectKey: "a", URL: "https://x"}}},
			TargetAccountIDs: []string{mine.ID},
		}},
		"empty text":              {"u1", dto.PublishRequest{Content: dto.PublishContentRequest{Kind: "text"}, TargetAccountIDs: []string{mine.ID}}},
		"empty image set":         {"u1", dto.PublishRequest{Content: dto.PublishContentRequest{Kind: "image_set"}, TargetAccountIDs: []string{mine.ID}}},
		"no targets":              {"u1", video()},
		"unknown account":         {"u1", video("nope")},
		"someone else's account":  {"u1", video(theirs.ID)},
		"disabled account":        {"u3", video(disabled.ID)},
		"kind not accepted":       {"u1", imageSet(1, mine.ID)},
		"destination not enabled": {"u1", video(seedAccount(t, f.mem, "u1", model.DestinationTikTok, time.Hour, "rt").ID)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.uc.SubmitPublish(context.Background(), tc.owner, tc.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestPublish_FanOutIsolatesFailures(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	tt := newFakeDestination(model.DestinationTikTok, model.ContainerFirst, true)
	fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
	fb.caps.SupportsRefresh = false
	f := newPublishFixture(t, yt, tt, fb)
	a := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")
	b := seedAccount(t, f.mem, "u1", model.DestinationTikTok, time.Hour, "rt")
	c := seedAccount(t, f.mem, "u1", model.DestinationFacebook, -time.Hour, "")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(a.ID, b.ID, c.ID))
	require.NoError(t, err)
	f.start(t)

	published := f.waitState(t, res.TaskIDs[0], model.TaskPublished)
	require.NotNil(t, published.ExternalContentID)
	assert.Equal(t, "post-youtube", *published.ExternalContentID)
	assert.Equal(t, []model.TaskState{
		model.TaskCreated, model.TaskAuthorizing, model.TaskTransferring, model.TaskFinalizing, model.TaskPublished,
	}, f.notifier.transitions(published.ID))

	awaiting := f.waitState(t, res.TaskIDs[1], model.TaskAwaitingConfirmation)
	require.NotNil(t, awaiting.PendingHandle)
	assert.Equal(t, "handle-tiktok", *awaiting.PendingHandle)
	require.NotNil(t, awaiting.NextPollAt)

	// The pending account publishes once a poll sees the destination finish.
	tt.mu.Lock()
	tt.status = &model.StatusResult{Outcome: model.StatusPublished, ExternalContentID: "video-tiktok"}
	tt.mu.Unlock()
	poller := NewStatusUsecase(f.mem, f.tokens, f.registry, f.notifier, nil, StatusOptions{})
	resolved, err := poller.Sweep(context.Background(), time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	polled := f.task(t, awaiting.ID)
	assert.Equal(t, model.TaskPublished, polled.State)
	require.NotNil(t, polled.ExternalContentID)
	assert.Equal(t, "video-tiktok", *polled.ExternalContentID)

	failed := f.waitState(t, res.TaskIDs[2], model.TaskFailed)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, string(apperror.KindAuthExpired), failed.LastError.Kind)
	assert.Zero(t, fb.finalizeCalls)

	acc, err := f.mem.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountNeedsReauth, acc.Status)

	statuses, err := f.uc.GetTaskStatuses(context.Background(), "u1", res.RequestID)
	require.NoError(t, err)
	byID := map[string]dto.TaskStatusResponse{}
	for _, s := range statuses {
		byID[s.TaskID] = s
	}
	assert.NotEmpty(t, byID[failed.ID].Message)
	assert.Equal(t, string(apperror.KindAuthExpired), byID[failed.ID].ErrorKind)
	assert.Empty(t, byID[published.ID].Message)
	assert.Equal(t, "post-youtube", byID[published.ID].ExternalContentID)
	assert.Equal(t, string(model.TaskPublished), byID[polled.ID].State)
	assert.Equal(t, "video-tiktok", byID[polled.ID].ExternalContentID)
}

func TestPublish_ContainerCreatedOnceAcrossRetries(t *testing.T) {
	tt := newFakeDestination(model.DestinationTikTok, model.ContainerFirst, false)
	tt.attachErrs[0] = []error{apperror.New(apperror.KindTransientNetwork, "http_503", "")}
	f := newPublishFixture(t, tt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationTikTok, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	f.start(t)

	task := f.waitState(t, res.TaskIDs[0], model.TaskPublished)
	assert.Equal(t, 1, tt.containers)
	require.NotNil(t, task.ContainerID)
	assert.Equal(t, "ctn-1-1000", *task.ContainerID)
	assert.Equal(t, []int{0, 0}, tt.attached())
}

func TestPublish_ContentFirstSkipsContainer(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	f.start(t)

	task := f.waitState(t, res.TaskIDs[0], model.TaskPublished)
	assert.Zero(t, yt.containers)
	assert.Nil(t, task.ContainerID)
}

func TestPublish_AttachFailureReportsItemAndKeepsProgress(t *testing.T) {
	transient := apperror.New(apperror.KindTransientNetwork, "http_503", "")

	t.Run("retry succeeds without repeating earlier items", func(t *testing.T) {
		fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
		fb.attachErrs[1] = []error{transient}
		f := newPublishFixture(t, fb)
		acc := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

		res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(3, acc.ID))
		require.NoError(t, err)
		f.start(t)

		task := f.waitState(t, res.TaskIDs[0], model.TaskPublished)
		assert.Equal(t, []int{0, 1, 1, 2}, fb.attached())
		assert.Equal(t, []string{"att-0", "att-1", "att-2"}, task.Attachments)
		assert.Equal(t, 1, fb.finalizeCalls)
	})

	t.Run("exhausted retries fail on the item", func(t *testing.T) {
		fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
		fb.attachErrs[1] = []error{transient, transient, transient}
		f := newPublishFixture(t, fb)
		acc := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

		res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(3, acc.ID))
		require.NoError(t, err)
		f.start(t)

		task := f.waitState(t, res.TaskIDs[0], model.TaskFailed)
		require.NotNil(t, task.LastError)
		require.NotNil(t, task.LastError.Item)
		assert.Equal(t, 1, *task.LastError.Item)
		assert.Equal(t, string(apperror.KindTransientNetwork), task.LastError.Kind)
		assert.Equal(t, []int{0, 1, 1, 1}, fb.attached())
		assert.Zero(t, fb.finalizeCalls)
	})

	t.Run("rejected content fails without retry", func(t *testing.T) {
		fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
		fb.attachErrs[1] = []error{apperror.New(apperror.KindContentRejected, "invalid_image", "too small")}
		f := newPublishFixture(t, fb)
		acc := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

		res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(3, acc.ID))
		require.NoError(t, err)
		f.start(t)

		task := f.waitState(t, res.TaskIDs[0], model.TaskFailed)
		assert.Equal(t, string(apperror.KindContentRejected), task.LastError.Kind)
		assert.Equal(t, []int{0, 1}, fb.attached())
	})
}

func TestPublish_RateLimitedFinalizeWaitsAndSucceeds(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	yt.finalizeErrs = []error{apperror.WithRetryAfter("quota", 10*time.Millisecond, nil)}
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	f.start(t)

	f.waitState(t, res.TaskIDs[0], model.TaskPublished)
	assert.Equal(t, 2, yt.finalizeCalls)
}

func TestPublish_CancelStopsRunningTask(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	yt.attachGate = make(chan struct{})
	yt.attachEntered = make(chan struct{}, 1)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(2, acc.ID))
	require.NoError(t, err)
	f.start(t)

	select {
	case <-yt.attachEntered:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started attaching")
	}
	require.ErrorIs(t, f.uc.CancelRequest(context.Background(), "u2", res.RequestID), repository.ErrNotFound)
	require.NoError(t, f.uc.CancelRequest(context.Background(), "u1", res.RequestID))
	close(yt.attachGate)

	task := f.waitState(t, res.TaskIDs[0], model.TaskCancelled)
	assert.Equal(t, string(apperror.KindCancelled), task.LastError.Kind)

	// The in-flight attach finishes but nothing after it runs.
	assert.Never(t, func() bool {
		return f.task(t, res.TaskIDs[0]).State != model.TaskCancelled || len(yt.attached()) > 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, yt.finalizeCalls)

	statuses, err := f.uc.GetTaskStatuses(context.Background(), "u1", res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, string(model.TaskCancelled), statuses[0].State)
}

func TestPublish_CancelBeforeDispatch(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	require.NoError(t, f.uc.CancelRequest(context.Background(), "u1", res.RequestID))
	f.start(t)

	assert.Never(t, func() bool {
		return f.task(t, res.TaskIDs[0]).State != model.TaskCancelled
	}, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, yt.attached())
}

func TestPublish_SameAccountRunsSerially(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	yt.attachGate = make(chan struct{})
	yt.attachEntered = make(chan struct{}, 1)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	first, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	second, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)
	f.start(t)

	select {
	case <-yt.attachEntered:
	case <-time.After(3 * time.Second):
		t.Fatal("no task started attaching")
	}
	assert.Never(t, func() bool {
		a := f.task(t, first.TaskIDs[0]).State
		b := f.task(t, second.TaskIDs[0]).State
		return a.Active() && b.Active()
	}, 100*time.Millisecond, 5*time.Millisecond)

	close(yt.attachGate)
	f.waitState(t, first.TaskIDs[0], model.TaskPublished)
	f.waitState(t, second.TaskIDs[0], model.TaskPublished)
}

func TestPublish_BusyAccountDoesNotStallOtherAccounts(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	yt.attachGate = make(chan struct{})
	yt.attachEntered = make(chan struct{}, 1)
	fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
	f := newPublishFixture(t, yt, fb)
	busy := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")
	other := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

	var busyTasks []string
	for i := 0; i <= f.uc.opts.Workers; i++ {
		res, err := f.uc.SubmitPublish(context.Background(), "u1", video(busy.ID))
		require.NoError(t, err)
		busyTasks = append(busyTasks, res.TaskIDs[0])
	}
	otherRes, err := f.uc.SubmitPublish(context.Background(), "u1", video(other.ID))
	require.NoError(t, err)
	f.start(t)

	select {
	case <-yt.attachEntered:
	case <-time.After(3 * time.Second):
		t.Fatal("no task started attaching")
	}

	// The held account keeps one task attaching; the other account still runs.
	f.waitState(t, otherRes.TaskIDs[0], model.TaskPublished)
	active := 0
	for _, id := range busyTasks {
		if f.task(t, id).State.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)

	close(yt.attachGate)
	for _, id := range busyTasks {
		f.waitState(t, id, model.TaskPublished)
	}
}

func TestPublish_ScheduledRequestWaits(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")

	req := video(acc.ID)
	later := time.Now().Add(time.Hour)
	req.ScheduledAt = &later
	res, err := f.uc.SubmitPublish(context.Background(), "u1", req)
	require.NoError(t, err)
	f.start(t)

	assert.Never(t, func() bool {
		return f.task(t, res.TaskIDs[0]).State != model.TaskCreated
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestPublish_ResumesInterruptedTask(t *testing.T) {
	fb := newFakeDestination(model.DestinationFacebook, model.ContentFirst, false)
	f := newPublishFixture(t, fb)
	acc := seedAccount(t, f.mem, "u1", model.DestinationFacebook, time.Hour, "rt")

	res, err := f.uc.SubmitPublish(context.Background(), "u1", imageSet(3, acc.ID))
	require.NoError(t, err)

	// Simulate a crash after the first two items were attached.
	task := f.task(t, res.TaskIDs[0])
	task.State = model.TaskTransferring
	task.Assets = []model.ObjectRef{{Key: "media/img-a", Size: 100}, {Key: "media/img-b", Size: 101}, {Key: "media/img-c", Size: 102}}
	task.Attachments = []string{"att-0", "att-1"}
	require.NoError(t, f.mem.UpdateTask(context.Background(), task, model.TaskCreated))
	f.start(t)

	f.waitState(t, res.TaskIDs[0], model.TaskPublished)
	assert.Equal(t, []int{2}, fb.attached())
}

func TestGetTaskStatuses_HidesOtherOwners(t *testing.T) {
	yt := newFakeDestination(model.DestinationYouTube, model.ContentFirst, false)
	f := newPublishFixture(t, yt)
	acc := seedAccount(t, f.mem, "u1", model.DestinationYouTube, time.Hour, "rt")
	res, err := f.uc.SubmitPublish(context.Background(), "u1", video(acc.ID))
	require.NoError(t, err)

	_, err = f.uc.GetTaskStatuses(context.Background(), "u2", res.RequestID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.uc.GetTaskStatuses(context.Background(), "u1", "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
