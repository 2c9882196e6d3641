package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/infrastructure/objectstore"
	"crosspost/infrastructure/persistence"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chunk int64 = 16

// flakyStore wraps the local store with injectable failures and call
// accounting.
type flakyStore struct {
	*objectstore.LocalStore

	mu               sync.Mutex
	partFailures     map[int]int
	partCalls        map[int]int
	completeFailures int
	completeCalls    int
	puts             int

	inflight    int32
	maxInflight int32
}

func newFlakyStore(t *testing.T) *flakyStore {
	local, err := objectstore.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	return &flakyStore{LocalStore: local, partFailures: map[int]int{}, partCalls: map[int]int{}}
}

func (f *flakyStore) UploadPart(ctx context.Context, sessionID string, n int, body io.Reader, size int64) (string, error) {
	cur := atomic.AddInt32(&f.inflight, 1)
	defer atomic.AddInt32(&f.inflight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInflight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInflight, max, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.partCalls[n]++
	fail := f.partFailures[n] > 0
	if fail {
		f.partFailures[n]--
	}
	f.mu.Unlock()
	if fail {
		return "", apperror.New(apperror.KindTransientNetwork, "reset", "connection reset")
	}
	return f.LocalStore.UploadPart(ctx, sessionID, n, body, size)
}

func (f *flakyStore) Complete(ctx context.Context, sessionID string, parts []model.PartDescriptor) (*model.ObjectRef, error) {
	f.mu.Lock()
	f.completeCalls++
	fail := f.completeFailures > 0
	if fail {
		f.completeFailures--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("complete rejected")
	}
	return f.LocalStore.Complete(ctx, sessionID, parts)
}

func (f *flakyStore) PutObject(ctx context.Context, key, ct string, body io.Reader, size int64) (*model.ObjectRef, error) {
	f.mu.Lock()
	f.puts++
	f.mu.Unlock()
	return f.LocalStore.PutObject(ctx, key, ct, body, size)
}

func (f *flakyStore) totalPartCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, c := range f.partCalls {
		total += c
	}
	return total
}

func newTestEngine(store *flakyStore, mem *persistence.MemoryStore, width int) *Engine {
	return NewEngine(store, mem.UploadSessions(), Options{
		ChunkSize:   chunk,
		Concurrency: width,
		PartRetries: 3,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
}

func payload(size int64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

func readBack(t *testing.T, store *flakyStore, key string) []byte {
	t.Helper()
	rc, _, err := store.Open(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestEngine_RoundTripSizes(t *testing.T) {
	sizes := []int64{0, 1, chunk - 1, chunk, chunk + 1, 10 * chunk}
	for _, size := range sizes {
		size := size
		t.Run(fmt.Sprintf("size_%d", size), func(t *testing.T) {
			store := newFlakyStore(t)
			engine := newTestEngine(store, persistence.NewMemoryStore(), 4)
			data := payload(size)

			ref, err := engine.Upload(context.Background(), UploadRequest{
				ObjectKey:   "media/object",
				Source:      bytes.NewReader(data),
				TotalSize:   size,
				ContentType: "video/mp4",
			})
			require.NoError(t, err)
			assert.Equal(t, size, ref.Size)
			assert.Equal(t, data, readBack(t, store, "media/object"))

			if size <= chunk {
				assert.Equal(t, 1, store.puts, "single chunk sources use one atomic put")
				assert.Equal(t, 0, store.totalPartCalls())
			} else {
				assert.Equal(t, model.PartCount(size, chunk), store.totalPartCalls())
			}
		})
	}
}

func TestEngine_ResumesAfterInterruption(t *testing.T) {
	store := newFlakyStore(t)
	mem := persistence.NewMemoryStore()
	engine := newTestEngine(store, mem, 1)
	data := payload(10 * chunk)
	req := UploadRequest{ObjectKey: "media/resume", Source: bytes.NewReader(data), TotalSize: int64(len(data))}

	// Part 7 keeps failing past the retry ceiling; parts 1-6 are committed.
	store.partFailures[7] = 100
	_, err := engine.Upload(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransferIncomplete, apperror.KindOf(err))

	session, err := mem.UploadSessions().FindOpen(context.Background(), "local", "media/resume")
	require.NoError(t, err)
	assert.Len(t, session.Parts, 6)

	store.partFailures[7] = 0
	before := map[int]int{}
	for n, c := range store.partCalls {
		before[n] = c
	}

	ref, err := engine.Upload(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), ref.Size)
	assert.Equal(t, data, readBack(t, store, "media/resume"))
	for n := 1; n <= 6; n++ {
		assert.Equal(t, before[n], store.partCalls[n], "part %d must not be re-sent", n)
	}
	for n := 7; n <= 10; n++ {
		assert.Equal(t, before[n]+1, store.partCalls[n], "part %d sent once on resume", n)
	}
}

func TestEngine_TransientPartFailuresAreRetried(t *testing.T) {
	store := newFlakyStore(t)
	engine := newTestEngine(store, persistence.NewMemoryStore(), 4)
	data := payload(5 * chunk)
	store.partFailures[2] = 2

	_, err := engine.Upload(context.Background(), UploadRequest{ObjectKey: "k", Source: bytes.NewReader(data), TotalSize: int64(len(data))})
	require.NoError(t, err)
	assert.Equal(t, 3, store.partCalls[2])
	assert.Equal(t, data, readBack(t, store, "k"))
}

func TestEngine_ConcurrencyIsBounded(t *testing.T) {
	store := newFlakyStore(t)
	engine := newTestEngine(store, persistence.NewMemoryStore(), 3)
	data := payload(20 * chunk)

	_, err := engine.Upload(context.Background(), UploadRequest{ObjectKey: "k", Source: bytes.NewReader(data), TotalSize: int64(len(data))})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&store.maxInflight), int32(3))
}

func TestEngine_CompleteRetriedOnce(t *testing.T) {
	store := newFlakyStore(t)
	engine := newTestEngine(store, persistence.NewMemoryStore(), 2)
	data := payload(3 * chunk)
	store.completeFailures = 1

	_, err := engine.Upload(context.Background(), UploadRequest{ObjectKey: "k", Source: bytes.NewReader(data), TotalSize: int64(len(data))})
	require.NoError(t, err)
	assert.Equal(t, 2, store.completeCalls)
	assert.Equal(t, 3, store.totalPartCalls(), "retrying complete must not re-upload parts")
}

func TestEngine_CompleteFailsTwice(t *testing.T) {
	store := newFlakyStore(t)
	mem := persistence.NewMemoryStore()
	engine := newTestEngine(store, mem, 2)
	data := payload(3 * chunk)
	store.completeFailures = 2

	_, err := engine.Upload(context.Background(), UploadRequest{ObjectKey: "k", Source: bytes.NewReader(data), TotalSize: int64(len(data))})
	require.Error(t, err)
	assert.Equal(t, apperror.KindTransferIncomplete, apperror.KindOf(err))
	assert.Equal(t, "complete_failed", apperror.CodeOf(err))

	_, err = mem.UploadSessions().FindOpen(context.Background(), "local", "k")
	assert.Error(t, err, "session is closed after a fatal completion")
}

func TestEngine_MergeTailPlan(t *testing.T) {
	plan := planParts(10*chunk+3, chunk, true)
	require.Len(t, plan, 10)
	assert.Equal(t, chunk+3, plan[9].size)
	assert.Equal(t, 9*chunk, plan[9].offset)

	plan = planParts(10*chunk+3, chunk, false)
	require.Len(t, plan, 11)
	assert.Equal(t, int64(3), plan[10].size)
}

func TestEngine_ReapAbandoned(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore(t)
	mem := persistence.NewMemoryStore()
	engine := newTestEngine(store, mem, 1)
	sessions := mem.UploadSessions()

	old := time.Now().Add(-2 * time.Hour)
	token, err := store.Initiate(ctx, "idle", "", 100)
	require.NoError(t, err)
	require.NoError(t, sessions.Create(ctx, &model.AssetUploadSession{
		ID: "idle", Backend: "local", ObjectKey: "idle", SessionToken: token,
		Status: model.UploadSessionOpen, CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, sessions.Create(ctx, &model.AssetUploadSession{
		ID: "fresh", Backend: "local", ObjectKey: "fresh", SessionToken: "x",
		Status: model.UploadSessionOpen, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	n, err := engine.ReapAbandoned(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = sessions.FindOpen(ctx, "local", "idle")
	assert.Error(t, err)
	_, err = sessions.FindOpen(ctx, "local", "fresh")
	assert.NoError(t, err)
}
