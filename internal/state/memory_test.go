package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchat/internal/models"
)

func newMemory(t *testing.T) (*Memory, string) {
	t.Helper()
	m := NewMemory(time.Hour)
	require.NoError(t, m.Create(context.Background(), "ws-1", "initial"))
	return m, "ws-1"
}

func TestMemoryUnknownWorkspace(t *testing.T) {
	m := NewMemory(time.Hour)
	ctx := context.Background()

	_, err := m.Source(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.AppendMessage(ctx, "missing", models.Message{}), ErrNotFound)
	_, err = m.TakeAttachments(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := m.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTranscriptIsAppendOnly(t *testing.T) {
	m, id := newMemory(t)
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, id, models.Message{Role: models.RoleUser, Content: "one"}))
	first, err := m.Messages(ctx, id)
	require.NoError(t, err)
	first[0].Content = "mutated"

	require.NoError(t, m.AppendMessage(ctx, id, models.Message{Role: models.RoleAssistant, Content: "two"}))
	msgs, err := m.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestMemorySlots(t *testing.T) {
	m, id := newMemory(t)
	ctx := context.Background()

	src, err := m.Source(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "initial", src)
	require.NoError(t, m.SetSource(ctx, id, "replaced"))
	src, _ = m.Source(ctx, id)
	assert.Equal(t, "replaced", src)

	a, err := m.Artifact(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, a)
	require.NoError(t, m.SetArtifact(ctx, id, &models.Artifact{ID: "a1", Data: []byte("%PDF")}))
	a, _ = m.Artifact(ctx, id)
	require.NotNil(t, a)
	assert.Equal(t, "a1", a.ID)

	require.NoError(t, m.SetError(ctx, id, &models.ErrorRecord{Message: "first"}))
	require.NoError(t, m.SetError(ctx, id, &models.ErrorRecord{Message: "second"}))
	rec, _ := m.Error(ctx, id)
	require.NotNil(t, rec)
	assert.Equal(t, "second", rec.Message)
	require.NoError(t, m.SetError(ctx, id, nil))
	rec, _ = m.Error(ctx, id)
	assert.Nil(t, rec)
}

func TestMemoryTakeAttachmentsEmptiesSet(t *testing.T) {
	m, id := newMemory(t)
	ctx := context.Background()

	require.NoError(t, m.AddAttachments(ctx, id, []models.Attachment{{FileName: "a.txt"}, {FileName: "b.png"}}))
	staged, err := m.Attachments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, staged, 2)

	taken, err := m.TakeAttachments(ctx, id)
	require.NoError(t, err)
	assert.Len(t, taken, 2)

	left, err := m.Attachments(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestMemoryConcurrentTakeHandsOutOnce(t *testing.T) {
	m, id := newMemory(t)
	ctx := context.Background()
	require.NoError(t, m.AddAttachments(ctx, id, []models.Attachment{{FileName: "a.txt"}}))

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := m.TakeAttachments(ctx, id)
			assert.NoError(t, err)
			mu.Lock()
			total += len(got)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)
}

func TestMemorySweep(t *testing.T) {
	m := NewMemory(time.Minute)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, "old", ""))
	m.now = func() time.Time { return base.Add(50 * time.Second) }
	require.NoError(t, m.Create(ctx, "fresh", ""))

	expired := m.Sweep(base.Add(70 * time.Second))
	assert.Equal(t, []string{"old"}, expired)

	ok, _ := m.Exists(ctx, "old")
	assert.False(t, ok)
	ok, _ = m.Exists(ctx, "fresh")
	assert.True(t, ok)
}
