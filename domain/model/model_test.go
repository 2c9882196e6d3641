package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]TaskState{
		{TaskCreated, TaskAuthorizing},
		{TaskAuthorizing, TaskTransferring},
		{TaskTransferring, TaskFinalizing},
		{TaskFinalizing, TaskPublished},
		{TaskFinalizing, TaskAwaitingConfirmation},
		{TaskAwaitingConfirmation, TaskPublished},
		{TaskAwaitingConfirmation, TaskFailed},
		{TaskTransferring, TaskCancelled},
	}
	for _, e := range allowed {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	denied := [][2]TaskState{
		{TaskFinalizing, TaskCancelled},
		{TaskAwaitingConfirmation, TaskCancelled},
		{TaskPublished, TaskFailed},
		{TaskFailed, TaskAuthorizing},
		{TaskCancelled, TaskCreated},
		{TaskCreated, TaskPublished},
	}
	for _, e := range denied {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestTaskStateClasses(t *testing.T) {
	for _, s := range []TaskState{TaskPublished, TaskFailed, TaskCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.False(t, s.Cancellable(), s)
	}
	assert.True(t, TaskFinalizing.Active())
	assert.False(t, TaskFinalizing.Cancellable())
	assert.False(t, TaskAwaitingConfirmation.Active())
	assert.True(t, TaskCreated.Cancellable())
	assert.False(t, TaskCreated.Active())
}

func TestTaskClone_DoesNotAlias(t *testing.T) {
	orig := &Task{
		ID:          "t1",
		LastError:   &TaskError{Kind: "internal"},
		Assets:      []ObjectRef{{Key: "a"}},
		Attachments: []string{"x"},
	}
	c := orig.Clone()
	c.LastError.Kind = "timeout"
	c.Assets[0].Key = "b"
	c.Attachments[0] = "y"

	assert.Equal(t, "internal", orig.LastError.Kind)
	assert.Equal(t, "a", orig.Assets[0].Key)
	assert.Equal(t, "x", orig.Attachments[0])
}

func TestCredentialRecord_FreshAt(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time { v := now.Add(d); return &v }

	assert.False(t, (*CredentialRecord)(nil).FreshAt(now, time.Minute))
	assert.False(t, (&CredentialRecord{}).FreshAt(now, time.Minute))
	assert.True(t, (&CredentialRecord{AccessToken: "a"}).FreshAt(now, time.Minute))
	assert.True(t, (&CredentialRecord{AccessToken: "a", ExpiresAt: at(10 * time.Minute)}).FreshAt(now, time.Minute))
	assert.False(t, (&CredentialRecord{AccessToken: "a", ExpiresAt: at(30 * time.Second)}).FreshAt(now, time.Minute))
	assert.False(t, (&CredentialRecord{AccessToken: "a", ExpiresAt: at(-time.Minute)}).FreshAt(now, 0))
}

func TestScopes(t *testing.T) {
	assert.Equal(t, "a,b", JoinScopes([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, SplitScopes(" a , b ,"))
	assert.Nil(t, SplitScopes("  "))
}

func TestPartCountAndRange(t *testing.T) {
	assert.Equal(t, 0, PartCount(0, 8))
	assert.Equal(t, 1, PartCount(8, 8))
	assert.Equal(t, 2, PartCount(9, 8))

	off, size := PartRange(2, 20, 8)
	assert.Equal(t, int64(8), off)
	assert.Equal(t, int64(8), size)
	off, size = PartRange(3, 20, 8)
	assert.Equal(t, int64(16), off)
	assert.Equal(t, int64(4), size)
}

func TestValidateCompleteParts(t *testing.T) {
	p := func(ns ...int) []PartDescriptor {
		out := make([]PartDescriptor, 0, len(ns))
		for _, n := range ns {
			out = append(out, PartDescriptor{Number: n, Tag: "t"})
		}
		return out
	}
	require.NoError(t, ValidateCompleteParts(p(1, 2, 3)))
	assert.Error(t, ValidateCompleteParts(nil))
	assert.Error(t, ValidateCompleteParts(p(1, 3)))
	assert.Error(t, ValidateCompleteParts(p(2, 1)))
	assert.Error(t, ValidateCompleteParts(p(1, 1, 2)))
	assert.Error(t, ValidateCompleteParts(p(2, 3)))
}

func TestSortedParts_LeavesInputUntouched(t *testing.T) {
	in := []PartDescriptor{{Number: 3}, {Number: 1}, {Number: 2}}
	out := SortedParts(in)
	assert.Equal(t, []int{1, 2, 3}, []int{out[0].Number, out[1].Number, out[2].Number})
	assert.Equal(t, 3, in[0].Number)
}

func TestPublishRequest_Due(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	assert.True(t, (&PublishRequest{}).Due(now))
	assert.False(t, (&PublishRequest{ScheduledAt: &later}).Due(now))
	assert.True(t, (&PublishRequest{ScheduledAt: &now}).Due(now))
}

func TestContentKind_Valid(t *testing.T) {
	assert.True(t, ContentVideo.Valid())
	assert.True(t, ContentImageSet.Valid())
	assert.True(t, ContentText.Valid())
	assert.False(t, ContentKind("story").Valid())
}
