package usecase

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/clients"
)

// fakeDestination is a scriptable adapter. Error queues are consumed one
// entry per call; an empty queue means success.
type fakeDestination struct {
	typ  model.DestinationType
	caps model.Capabilities

	mu            sync.Mutex
	grant         *model.Grant
	refreshErr    error
	refreshDelay  time.Duration
	refreshCalls  int32
	createErrs    []error
	attachErrs    map[int][]error
	finalizeErrs  []error
	finalizeAsync bool
	status        *model.StatusResult
	statusErr     error
	events        []model.StatusEvent
	webhookErr    error

	containers    int
	attachCalls   []int
	finalizeCalls int
	statusCalls   int
	tokensSeen    []string
	attachGate    chan struct{}
	attachEntered chan struct{}
}

func newFakeDestination(typ model.DestinationType, ordering model.ContainerOrdering, async bool) *fakeDestination {
	return &fakeDestination{
		typ: typ,
		caps: model.Capabilities{
			SupportsRefresh: true,
			Ordering:        ordering,
			AsyncFinalize:   async,
			Kinds:           []model.ContentKind{model.ContentVideo, model.ContentImageSet, model.ContentText},
		},
		finalizeAsync: async,
		attachErrs:    map[int][]error{},
		status:        &model.StatusResult{Outcome: model.StatusStillPending},
	}
}

func (f *fakeDestination) Type() model.DestinationType      { return f.typ }
func (f *fakeDestination) Capabilities() model.Capabilities { return f.caps }

func (f *fakeDestination) BuildAuthorizationURL(state string) string {
	return "https://consent.example/" + string(f.typ) + "?state=" + state
}

func (f *fakeDestination) ExchangeCode(_ context.Context, code string) (*model.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.grant != nil {
		g := *f.grant
		return &g, nil
	}
	exp := time.Now().Add(time.Hour)
	return &model.Grant{
		Token:          model.Token{AccessToken: "at-" + code, RefreshToken: "rt-" + code, ExpiresAt: &exp},
		ExternalUserID: "ext-" + code,
		DisplayName:    "Account " + code,
	}, nil
}

func (f *fakeDestination) Refresh(_ context.Context, refreshToken string) (*model.Token, error) {
	n := atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	exp := time.Now().Add(time.Hour)
	return &model.Token{AccessToken: fmt.Sprintf("refreshed-%d", n), ExpiresAt: &exp}, nil
}

func pop(q *[]error) error {
	if len(*q) == 0 {
		return nil
	}
	err := (*q)[0]
	*q = (*q)[1:]
	return err
}

func (f *fakeDestination) CreateContainer(_ context.Context, token *model.Token, content model.PublishContent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.createErrs); err != nil {
		return "", err
	}
	f.containers++
	return fmt.Sprintf("ctn-%d-%d", f.containers, content.Media[0].Size), nil
}

func (f *fakeDestination) AttachAsset(ctx context.Context, token *model.Token, container model.Container, asset model.Asset) (string, error) {
	f.mu.Lock()
	gate, entered := f.attachGate, f.attachEntered
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachCalls = append(f.attachCalls, asset.Index)
	f.tokensSeen = append(f.tokensSeen, token.AccessToken)
	q := f.attachErrs[asset.Index]
	err := pop(&q)
	f.attachErrs[asset.Index] = q
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("att-%d", asset.Index), nil
}

func (f *fakeDestination) Finalize(_ context.Context, _ *model.Token, container model.Container) (*model.FinalizeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalizeCalls++
	if err := pop(&f.finalizeErrs); err != nil {
		return nil, err
	}
	if f.finalizeAsync {
		return &model.FinalizeResult{PendingHandle: "handle-" + string(f.typ)}, nil
	}
	return &model.FinalizeResult{ExternalContentID: "post-" + string(f.typ)}, nil
}

func (f *fakeDestination) QueryStatus(_ context.Context, _ *model.Token, handle string) (*model.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	s := *f.status
	return &s, nil
}

func (f *fakeDestination) ParseWebhook(header http.Header, body []byte) ([]model.StatusEvent, error) {
	if f.webhookErr != nil {
		return nil, f.webhookErr
	}
	return f.events, nil
}

func (f *fakeDestination) attached() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.attachCalls...)
}

// recordingNotifier keeps every task event.
type recordingNotifier struct {
	mu     sync.Mutex
	events []repository.TaskEvent
}

func (n *recordingNotifier) NotifyTask(_ context.Context, ev repository.TaskEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) transitions(taskID string) []model.TaskState {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []model.TaskState
	for _, ev := range n.events {
		if ev.TaskID == taskID {
			out = append(out, ev.To)
		}
	}
	return out
}

// stubStager treats every object key as already staged.
type stubStager struct{}

func (stubStager) Stage(_ context.Context, objectKey string, media model.MediaRef) (*model.ObjectRef, error) {
	if media.ObjectKey == "" && media.URL == "" {
		return nil, apperror.New(apperror.KindContentRejected, "media_empty", "")
	}
	key := media.ObjectKey
	if key == "" {
		key = objectKey
	}
	size := media.Size
	if size == 0 {
		size = 42
	}
	return &model.ObjectRef{Key: key, Size: size, ContentType: media.ContentType}, nil
}

func registryOf(adapters ...repository.IDestination) *clients.Registry {
	return clients.NewStaticRegistry(adapters...)
}
