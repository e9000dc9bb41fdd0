package workspace

import (
	"bytes"
	"context"
	"mime/multipart"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"texchat/internal/gateway"
	"texchat/internal/models"
	"texchat/internal/state"
	"texchat/internal/storage"
)

type replierFunc func(ctx context.Context, req gateway.ChatRequest) gateway.Result[string]

func (f replierFunc) Reply(ctx context.Context, req gateway.ChatRequest) gateway.Result[string] {
	return f(ctx, req)
}

type converterFunc func(ctx context.Context, source string) gateway.Result[[]byte]

func (f converterFunc) Convert(ctx context.Context, source string) gateway.Result[[]byte] {
	return f(ctx, source)
}

type memJournal struct {
	mu  sync.Mutex
	got []storage.Exchange
}

func (j *memJournal) Record(_ context.Context, ex storage.Exchange) error {
	j.mu.Lock()
	j.got = append(j.got, ex)
	j.mu.Unlock()
	return nil
}

type fixture struct {
	svc     *Service
	store   *state.Memory
	id      string
	dir     string
	journal *memJournal
}

func newFixture(t *testing.T, r Replier, c Converter) *fixture {
	t.Helper()
	dir := t.TempDir()
	store := state.NewMemory(time.Hour)
	journal := &memJournal{}
	svc := NewService(Options{
		Store:     store,
		Replier:   r,
		Converter: c,
		Uploads:   NewUploads(dir, time.Hour, 1<<20, zerolog.Nop()),
		Journal:   journal,
		Logger:    zerolog.Nop(),
	})
	id, err := svc.Open(context.Background())
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, id: id, dir: dir, journal: journal}
}

type namedFile struct {
	name    string
	content string
}

func fileHeaders(t *testing.T, files ...namedFile) []*multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	form, err := multipart.NewReader(body, w.Boundary()).ReadForm(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = form.RemoveAll() })
	return form.File["files"]
}

func pdfConverter(data string) converterFunc {
	return func(context.Context, string) gateway.Result[[]byte] {
		return gateway.Ok([]byte(data))
	}
}

func failingConverter(details string) converterFunc {
	return func(context.Context, string) gateway.Result[[]byte] {
		return gateway.Fail[[]byte](&gateway.Failure{Status: 500, Details: details})
	}
}

func noReplier(t *testing.T) replierFunc {
	return func(context.Context, gateway.ChatRequest) gateway.Result[string] {
		t.Errorf("chat request should not be sent")
		return gateway.Ok("")
	}
}

func TestOpenStartsWithPlaceholder(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	snap, err := f.svc.Snapshot(context.Background(), f.id)
	require.NoError(t, err)
	assert.Equal(t, DefaultSource, snap.Source)
	assert.Empty(t, snap.Messages)
	assert.Nil(t, snap.Artifact)
	assert.Nil(t, snap.Error)
}

func TestConvertReplacesArtifactWholesale(t *testing.T) {
	var sent []string
	conv := converterFunc(func(_ context.Context, source string) gateway.Result[[]byte] {
		sent = append(sent, source)
		return gateway.Ok([]byte("%PDF-1.4..." + source))
	})
	f := newFixture(t, noReplier(t), conv)
	ctx := context.Background()

	failure, err := f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	require.Nil(t, failure)
	first, err := f.store.Artifact(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []byte("%PDF-1.4..."+DefaultSource), first.Data)

	require.NoError(t, f.svc.Edit(ctx, f.id, "v2"))
	_, err = f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	second, err := f.store.Artifact(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4...v2"), second.Data)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{DefaultSource, "v2"}, sent)
}

func TestConvertFailureLeavesArtifact(t *testing.T) {
	ok := true
	conv := converterFunc(func(context.Context, string) gateway.Result[[]byte] {
		if ok {
			return gateway.Ok([]byte("%PDF-1.4..."))
		}
		return gateway.Fail[[]byte](&gateway.Failure{Status: 500, Details: "Undefined control sequence", Stdout: "! Undefined"})
	})
	f := newFixture(t, noReplier(t), conv)
	ctx := context.Background()

	_, err := f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	before, _ := f.store.Artifact(ctx, f.id)

	ok = false
	failure, err := f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, failure)

	after, _ := f.store.Artifact(ctx, f.id)
	assert.Equal(t, before, after)
	rec, _ := f.store.Error(ctx, f.id)
	require.NotNil(t, rec)
	assert.Equal(t, ConvertFailureMessage, rec.Message)
	assert.Equal(t, "Undefined control sequence", rec.Details)
	assert.Equal(t, "! Undefined", rec.Stdout)
}

func TestConvertClearsErrorBeforeStarting(t *testing.T) {
	var seen *models.ErrorRecord
	var f *fixture
	conv := converterFunc(func(ctx context.Context, _ string) gateway.Result[[]byte] {
		seen, _ = f.store.Error(ctx, f.id)
		return gateway.Ok([]byte("%PDF"))
	})
	f = newFixture(t, noReplier(t), conv)
	ctx := context.Background()
	require.NoError(t, f.store.SetError(ctx, f.id, &models.ErrorRecord{Message: "old"}))

	_, err := f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	assert.Nil(t, seen)
	rec, _ := f.store.Error(ctx, f.id)
	assert.Nil(t, rec)
}

func TestSubmitChatSuccess(t *testing.T) {
	var got gateway.ChatRequest
	calls := 0
	rep := replierFunc(func(_ context.Context, req gateway.ChatRequest) gateway.Result[string] {
		calls++
		got = req
		return gateway.Ok("hi there")
	})
	f := newFixture(t, rep, pdfConverter("x"))
	ctx := context.Background()

	out, err := f.svc.SubmitChat(ctx, f.id, "hello", fileHeaders(t, namedFile{"notes.txt", "some notes"}))
	require.NoError(t, err)
	assert.Equal(t, "hi there", out.Reply)
	assert.Nil(t, out.Failure)
	assert.Equal(t, 1, calls)

	assert.Equal(t, "hello", got.Message)
	assert.Empty(t, got.History)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "notes.txt", got.Attachments[0].FileName)
	_, statErr := os.Stat(got.Attachments[0].StoredPath)
	assert.True(t, os.IsNotExist(statErr), "staged file should be removed after submit")

	msgs, _ := f.store.Messages(ctx, f.id)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "hello"}, models.Message{Role: msgs[0].Role, Content: msgs[0].Content})
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi there", msgs[1].Content)

	atts, _ := f.store.Attachments(ctx, f.id)
	assert.Empty(t, atts)

	require.Len(t, f.journal.got, 1)
	assert.Equal(t, storage.KindChat, f.journal.got[0].Kind)
	assert.Equal(t, storage.OutcomeOK, f.journal.got[0].Outcome)
}

func TestSubmitChatFailureKeepsUserEntry(t *testing.T) {
	rep := replierFunc(func(context.Context, gateway.ChatRequest) gateway.Result[string] {
		return gateway.Fail[string](&gateway.Failure{Status: 400, Details: "bad file"})
	})
	f := newFixture(t, rep, pdfConverter("x"))
	ctx := context.Background()

	out, err := f.svc.SubmitChat(ctx, f.id, "hello", fileHeaders(t, namedFile{"notes.txt", "some notes"}))
	require.NoError(t, err)
	require.NotNil(t, out.Failure)

	msgs, _ := f.store.Messages(ctx, f.id)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)

	rec, _ := f.store.Error(ctx, f.id)
	require.NotNil(t, rec)
	assert.Equal(t, ChatFailureMessage, rec.Message)
	assert.Equal(t, "bad file", rec.Details)

	atts, _ := f.store.Attachments(ctx, f.id)
	assert.Empty(t, atts)
	assert.Equal(t, storage.OutcomeFailed, f.journal.got[0].Outcome)
}

func TestSubmitChatSendsHistory(t *testing.T) {
	var histories [][]models.Message
	rep := replierFunc(func(_ context.Context, req gateway.ChatRequest) gateway.Result[string] {
		histories = append(histories, req.History)
		return gateway.Ok("ack " + req.Message)
	})
	f := newFixture(t, rep, pdfConverter("x"))
	ctx := context.Background()

	_, err := f.svc.SubmitChat(ctx, f.id, "one", nil)
	require.NoError(t, err)
	_, err = f.svc.SubmitChat(ctx, f.id, "two", nil)
	require.NoError(t, err)

	require.Len(t, histories, 2)
	assert.Empty(t, histories[0])
	require.Len(t, histories[1], 2)
	assert.Equal(t, "ack one", histories[1][1].Content)
}

func TestEmptySubmitIssuesNoRequest(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	ctx := context.Background()

	for _, msg := range []string{"", "   \n\t"} {
		_, err := f.svc.SubmitChat(ctx, f.id, msg, nil)
		assert.ErrorIs(t, err, ErrEmptySubmit)
	}
	msgs, _ := f.store.Messages(ctx, f.id)
	assert.Empty(t, msgs)
	assert.Empty(t, f.journal.got)
}

func TestStagedAttachmentAloneIsSent(t *testing.T) {
	var got gateway.ChatRequest
	rep := replierFunc(func(_ context.Context, req gateway.ChatRequest) gateway.Result[string] {
		got = req
		return gateway.Ok("seen")
	})
	f := newFixture(t, rep, pdfConverter("x"))
	ctx := context.Background()

	staged, err := f.svc.Stage(ctx, f.id, fileHeaders(t, namedFile{"a.txt", "alpha"}, namedFile{"a.txt", "again"}))
	require.NoError(t, err)
	require.Len(t, staged, 2)
	assert.Equal(t, "a (1).txt", staged[1].FileName)

	_, err = f.svc.SubmitChat(ctx, f.id, "", nil)
	require.NoError(t, err)
	assert.Len(t, got.Attachments, 2)
	atts, _ := f.store.Attachments(ctx, f.id)
	assert.Empty(t, atts)
}

func TestStageRejectsUnsupportedType(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	_, err := f.svc.Stage(context.Background(), f.id, fileHeaders(t, namedFile{"blob.bin", "\x00\x01\x02\x03\xff"}))
	assert.ErrorIs(t, err, ErrUnsupportedType)
	atts, _ := f.store.Attachments(context.Background(), f.id)
	assert.Empty(t, atts)
}

func TestRejectedInlineFileDrainsStagedSet(t *testing.T) {
	f := newFixture(t, noReplier(t), nil)
	ctx := context.Background()
	staged, err := f.svc.Stage(ctx, f.id, fileHeaders(t, namedFile{"a.txt", "alpha"}))
	require.NoError(t, err)

	_, err = f.svc.SubmitChat(ctx, f.id, "hello", fileHeaders(t, namedFile{"blob.bin", "\x00\x01\x02\x03\xff"}))
	require.ErrorIs(t, err, ErrUnsupportedType)

	left, err := f.store.Attachments(ctx, f.id)
	require.NoError(t, err)
	assert.Empty(t, left)
	_, statErr := os.Stat(staged[0].StoredPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDropAttachments(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	ctx := context.Background()
	staged, err := f.svc.Stage(ctx, f.id, fileHeaders(t, namedFile{"a.txt", "alpha"}))
	require.NoError(t, err)

	require.NoError(t, f.svc.DropAttachments(ctx, f.id))
	atts, _ := f.store.Attachments(ctx, f.id)
	assert.Empty(t, atts)
	_, statErr := os.Stat(staged[0].StoredPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestErrorSlotHoldsLatestFailure(t *testing.T) {
	rep := replierFunc(func(context.Context, gateway.ChatRequest) gateway.Result[string] {
		return gateway.Fail[string](&gateway.Failure{Details: "chat down"})
	})
	f := newFixture(t, rep, failingConverter("latex broke"))
	ctx := context.Background()

	_, err := f.svc.SubmitChat(ctx, f.id, "hello", nil)
	require.NoError(t, err)
	rec, _ := f.store.Error(ctx, f.id)
	require.NotNil(t, rec)
	assert.Equal(t, ChatFailureMessage, rec.Message)

	_, err = f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	rec, _ = f.store.Error(ctx, f.id)
	require.NotNil(t, rec)
	assert.Equal(t, ConvertFailureMessage, rec.Message)
	assert.Equal(t, "latex broke", rec.Details)

	require.NoError(t, f.svc.DismissError(ctx, f.id))
	rec, _ = f.store.Error(ctx, f.id)
	assert.Nil(t, rec)
}

func TestSlowConversionCompletingLastWins(t *testing.T) {
	var calls int32
	slowStarted := make(chan struct{})
	releaseSlow := make(chan struct{})
	conv := converterFunc(func(context.Context, string) gateway.Result[[]byte] {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(slowStarted)
			<-releaseSlow
			return gateway.Ok([]byte("slow"))
		}
		return gateway.Ok([]byte("fast"))
	})
	f := newFixture(t, noReplier(t), conv)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Convert(ctx, f.id)
		done <- err
	}()
	<-slowStarted

	_, err := f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	art, _ := f.store.Artifact(ctx, f.id)
	require.NotNil(t, art)
	assert.Equal(t, []byte("fast"), art.Data)

	close(releaseSlow)
	require.NoError(t, <-done)
	art, _ = f.store.Artifact(ctx, f.id)
	assert.Equal(t, []byte("slow"), art.Data)
}

func TestDownloads(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("%PDF-1.4..."))
	ctx := context.Background()

	src, err := f.svc.DownloadSource(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, SourceFileName, src.FileName)
	assert.Equal(t, DefaultSource, string(src.Data))

	_, err = f.svc.DownloadArtifact(ctx, f.id)
	assert.ErrorIs(t, err, ErrNoArtifact)

	_, err = f.svc.Convert(ctx, f.id)
	require.NoError(t, err)
	pdf, err := f.svc.DownloadArtifact(ctx, f.id)
	require.NoError(t, err)
	assert.Equal(t, ArtifactFileName, pdf.FileName)
	assert.Equal(t, ArtifactContentType, pdf.ContentType)
	assert.Equal(t, []byte("%PDF-1.4..."), pdf.Data)
}

func TestUnknownWorkspace(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
	_, err = f.svc.Convert(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
	_, err = f.svc.Stage(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkspace)
}

func TestSweepDropsIdleWorkspaceUploads(t *testing.T) {
	f := newFixture(t, noReplier(t), pdfConverter("x"))
	ctx := context.Background()
	staged, err := f.svc.Stage(ctx, f.id, fileHeaders(t, namedFile{"a.txt", "alpha"}))
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.Sweep(time.Now().Add(2*time.Hour)))
	ok, _ := f.svc.Exists(ctx, f.id)
	assert.False(t, ok)
	_, statErr := os.Stat(staged[0].StoredPath)
	assert.True(t, os.IsNotExist(statErr))
}
