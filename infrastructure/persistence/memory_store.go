package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/google/uuid"
)

// MemoryStore keeps every repository in process memory. It backs local mode
// and the usecase tests.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*model.Account
	credentials map[string]*model.CredentialRecord
	requests    map[string]*model.PublishRequest
	tasks       map[string]*model.Task
	sessions    map[string]*model.AssetUploadSession
	states      map[string]memoryState
	usedCodes   map[string]time.Time
	now         func() time.Time
}

type memoryState struct {
	value   repository.OAuthState
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    map[string]*model.Account{},
		credentials: map[string]*model.CredentialRecord{},
		requests:    map[string]*model.PublishRequest{},
		tasks:       map[string]*model.Task{},
		sessions:    map[string]*model.AssetUploadSession{},
		states:      map[string]memoryState{},
		usedCodes:   map[string]time.Time{},
		now:         time.Now,
	}
}

// StateTTL is how long an authorization state stays valid in memory.
var StateTTL = 10 * time.Minute

// Accounts

func (m *MemoryStore) Upsert(_ context.Context, account *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, existing := range m.accounts {
		if existing.Destination == account.Destination && existing.ExternalUserID == account.ExternalUserID {
			account.ID = existing.ID
			account.OwnerID = existing.OwnerID
			account.CreatedAt = existing.CreatedAt
			account.UpdatedAt = now
			c := *account
			m.accounts[c.ID] = &c
			return nil
		}
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	account.CreatedAt, account.UpdatedAt = now, now
	c := *account
	m.accounts[c.ID] = &c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Account, 0)
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status model.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = m.now()
	return nil
}

// Credentials are exposed through a view so the method set does not collide
// with accounts.
func (m *MemoryStore) Credentials() repository.ICredential { return memoryCredentials{m} }

type memoryCredentials struct{ m *MemoryStore }

func (c memoryCredentials) Get(_ context.Context, accountID string) (*model.CredentialRecord, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	r, ok := c.m.credentials[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	cp.Scopes = append([]string(nil), r.Scopes...)
	return &cp, nil
}

func (c memoryCredentials) Upsert(_ context.Context, record *model.CredentialRecord) error {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	cp := *record
	cp.Scopes = append([]string(nil), record.Scopes...)
	cp.UpdatedAt = c.m.now()
	c.m.credentials[record.AccountID] = &cp
	return nil
}

// Publish requests and tasks

func (m *MemoryStore) CreateRequestWithTasks(_ context.Context, req *model.PublishRequest, tasks []*model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *req
	m.requests[req.ID] = &r
	for _, t := range tasks {
		m.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*model.PublishRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTasks(_ context.Context, requestID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0)
	for _, t := range m.tasks {
		if t.RequestID == requestID {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *model.Task, expected model.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.State != expected {
		return repository.ErrStaleTask
	}
	task.UpdatedAt = m.now()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) ListRunnable(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0)
	for _, t := range m.tasks {
		if t.State != model.TaskCreated && !t.State.Active() {
			continue
		}
		r, ok := m.requests[t.RequestID]
		if !ok || !r.Due(now) {
			continue
		}
		if r.CancelledAt != nil && t.State != model.TaskFinalizing {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAwaiting(_ context.Context, now time.Time, limit int) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Task, 0)
	for _, t := range m.tasks {
		if t.State != model.TaskAwaitingConfirmation {
			continue
		}
		if t.NextPollAt != nil && t.NextPollAt.After(now) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindByHandle(_ context.Context, destination model.DestinationType, handle string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Destination == destination && t.PendingHandle != nil && *t.PendingHandle == handle {
			return t.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *MemoryStore) MarkRequestCancelled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.CancelledAt == nil {
		r.CancelledAt = &at
	}
	return nil
}

func sortTasks(ts []*model.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// Upload sessions are exposed through a view, like credentials.
func (m *MemoryStore) UploadSessions() repository.IUploadSession { return memorySessions{m} }

type memorySessions struct{ m *MemoryStore }

func cloneSession(s *model.AssetUploadSession) *model.AssetUploadSession {
	c := *s
	c.Parts = append([]model.PartDescriptor(nil), s.Parts...)
	return &c
}

func (v memorySessions) Create(_ context.Context, s *model.AssetUploadSession) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (v memorySessions) FindOpen(_ context.Context, backend, objectKey string) (*model.AssetUploadSession, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	for _, s := range v.m.sessions {
		if s.Backend == backend && s.ObjectKey == objectKey && s.Status == model.UploadSessionOpen {
			return cloneSession(s), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (v memorySessions) AddPart(_ context.Context, sessionID string, part model.PartDescriptor) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	s, ok := v.m.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	for i, p := range s.Parts {
		if p.Number == part.Number {
			s.Parts[i] = part
			s.UpdatedAt = v.m.now()
			return nil
		}
	}
	s.Parts = append(s.Parts, part)
	s.UpdatedAt = v.m.now()
	return nil
}

func (v memorySessions) SetStatus(_ context.Context, sessionID string, status model.UploadSessionStatus) error {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	s, ok := v.m.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = v.m.now()
	return nil
}

func (v memorySessions) ListStale(_ context.Context, cutoff time.Time) ([]*model.AssetUploadSession, error) {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	out := make([]*model.AssetUploadSession, 0)
	for _, s := range v.m.sessions {
		if s.Status == model.UploadSessionOpen && s.UpdatedAt.Before(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

// OAuth state

func (m *MemoryStore) SaveState(_ context.Context, state string, value repository.OAuthState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state] = memoryState{value: value, expires: m.now().Add(StateTTL)}
	return nil
}

func (m *MemoryStore) ConsumeState(_ context.Context, state string) (*repository.OAuthState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[state]
	delete(m.states, state)
	if !ok || m.now().After(s.expires) {
		return nil, repository.ErrNotFound
	}
	v := s.value
	return &v, nil
}

func (m *MemoryStore) MarkCodeUsed(_ context.Context, destination model.DestinationType, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := string(destination) + ":" + code
	if _, seen := m.usedCodes[key]; seen {
		return false, nil
	}
	m.usedCodes[key] = m.now()
	return true, nil
}

var (
	_ repository.IAccount         = (*MemoryStore)(nil)
	_ repository.IPublish         = (*MemoryStore)(nil)
	_ repository.IOAuthStateStore = (*MemoryStore)(nil)
	_ repository.IUploadSession   = memorySessions{}
	_ repository.ICredential      = memoryCredentials{}
)
