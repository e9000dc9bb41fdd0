// Package workspace coordinates the three panels of one browser workspace:
// chat, editor and preview. It owns no state of its own; every slot lives in
// the state store and is written by direct overwrite.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"texchat/internal/gateway"
	"texchat/internal/models"
	"texchat/internal/state"
	"texchat/internal/storage"
)

const (
	ChatFailureMessage    = "An error occurred while sending the message"
	ConvertFailureMessage = "An error occurred while generating the PDF"

	SourceFileName   = "document.tex"
	ArtifactFileName = "document.pdf"

	SourceContentType   = "text/plain; charset=utf-8"
	ArtifactContentType = "application/pdf"
)

// DefaultSource is the editor buffer of a fresh workspace.
const DefaultSource = `\documentclass{article}
\begin{document}
Enter your LaTeX content here...
\end{document}`

var (
	ErrUnknownWorkspace = state.ErrNotFound
	ErrEmptySubmit      = errors.New("empty message without attachments")
	ErrNoArtifact       = errors.New("no document has been generated")
)

// Replier produces the assistant reply for one chat submission.
type Replier interface {
	Reply(ctx context.Context, req gateway.ChatRequest) gateway.Result[string]
}

// Converter turns LaTeX source into document bytes.
type Converter interface {
	Convert(ctx context.Context, source string) gateway.Result[[]byte]
}

// Recorder journals outbound exchanges.
type Recorder interface {
	Record(ctx context.Context, ex storage.Exchange) error
}

type Options struct {
	Store     state.Store
	Replier   Replier
	Converter Converter
	Uploads   *Uploads
	Journal   Recorder
	Logger    zerolog.Logger
}

type Service struct {
	store     state.Store
	replier   Replier
	converter Converter
	uploads   *Uploads
	journal   Recorder
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

func NewService(opts Options) *Service {
	return &Service{
		store:     opts.Store,
		replier:   opts.Replier,
		converter: opts.Converter,
		uploads:   opts.Uploads,
		journal:   opts.Journal,
		log:       opts.Logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Snapshot is everything the three panels render from.
type Snapshot struct {
	ID          string
	Messages    []models.Message
	Attachments []models.Attachment
	Source      string
	Artifact    *models.Artifact
	Error       *models.ErrorRecord
}

// Download is a file handed back to the browser.
type Download struct {
	FileName    string
	ContentType string
	Data        []byte
}

// SubmitOutcome reports how a chat submission ended. Exactly one of Reply and
// Failure is set.
type SubmitOutcome struct {
	Reply   string
	Failure *gateway.Failure
}

// Open starts a fresh workspace with the placeholder document.
func (s *Service) Open(ctx context.Context) (string, error) {
	id := s.newID()
	if err := s.store.Create(ctx, id, DefaultSource); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	s.log.Debug().Str("workspace", id).Msg("workspace opened")
	return id, nil
}

func (s *Service) Exists(ctx context.Context, id string) (bool, error) {
	return s.store.Exists(ctx, id)
}

func (s *Service) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	msgs, err := s.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	atts, err := s.store.Attachments(ctx, id)
	if err != nil {
		return nil, err
	}
	src, err := s.store.Source(ctx, id)
	if err != nil {
		return nil, err
	}
	art, err := s.store.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Error(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Snapshot{ID: id, Messages: msgs, Attachments: atts, Source: src, Artifact: art, Error: rec}, nil
}

// Stage saves files into the attachment set of the next submission.
func (s *Service) Stage(ctx context.Context, id string, files []*multipart.FileHeader) ([]models.Attachment, error) {
	if ok, err := s.store.Exists(ctx, id); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrUnknownWorkspace
	}
	saved := make([]models.Attachment, 0, len(files))
	for _, fh := range files {
		att, err := s.uploads.Save(id, fh)
		if err != nil {
			s.uploads.Remove(saved)
			return nil, err
		}
		saved = append(saved, att)
	}
	if err := s.store.AddAttachments(ctx, id, saved); err != nil {
		s.uploads.Remove(saved)
		return nil, err
	}
	return saved, nil
}

// DropAttachments empties the attachment set without sending anything.
func (s *Service) DropAttachments(ctx context.Context, id string) error {
	atts, err := s.store.TakeAttachments(ctx, id)
	if err != nil {
		return err
	}
	s.uploads.Remove(atts)
	return nil
}

// SubmitChat sends message together with the staged attachments and any
// inline files. The user entry is appended before the request goes out and
// stays whatever the outcome. The attachment set is empty afterwards.
func (s *Service) SubmitChat(ctx context.Context, id, message string, inline []*multipart.FileHeader) (*SubmitOutcome, error) {
	if strings.TrimSpace(message) == "" && len(inline) == 0 {
		staged, err := s.store.Attachments(ctx, id)
		if err != nil {
			return nil, err
		}
		if len(staged) == 0 {
			return nil, ErrEmptySubmit
		}
	}
	if len(inline) > 0 {
		if _, err := s.Stage(ctx, id, inline); err != nil {
			// a rejected submit still consumes the staged set
			if dropErr := s.DropAttachments(ctx, id); dropErr != nil {
				s.log.Warn().Err(dropErr).Str("workspace", id).Msg("drop attachments after rejected submit")
			}
			return nil, err
		}
	}

	history, err := s.store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendMessage(ctx, id, models.Message{
		Role:      models.RoleUser,
		Content:   message,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return nil, err
	}
	atts, err := s.store.TakeAttachments(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.uploads.Remove(atts)

	// The request runs to completion even if the browser goes away.
	callCtx := context.WithoutCancel(ctx)
	start := s.now()
	res := s.replier.Reply(callCtx, gateway.ChatRequest{Message: message, History: history, Attachments: atts})
	s.record(callCtx, id, storage.KindChat, res.Failure, s.now().Sub(start))

	if !res.OK() {
		s.log.Warn().Str("workspace", id).Str("details", res.Failure.Details).Msg("chat request failed")
		if err := s.store.SetError(callCtx, id, res.Failure.Record(ChatFailureMessage)); err != nil {
			return nil, err
		}
		return &SubmitOutcome{Failure: res.Failure}, nil
	}
	if err := s.store.AppendMessage(callCtx, id, models.Message{
		Role:      models.RoleAssistant,
		Content:   res.Value,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return nil, err
	}
	return &SubmitOutcome{Reply: res.Value}, nil
}

// Edit replaces the editor buffer wholesale.
func (s *Service) Edit(ctx context.Context, id, text string) error {
	return s.store.SetSource(ctx, id, text)
}

// Convert sends the current buffer for conversion. The error slot is cleared
// first; on success the artifact is replaced, on failure it is left alone and
// the error slot is set. Concurrent conversions are not ordered: whichever
// finishes last owns the slot it writes.
func (s *Service) Convert(ctx context.Context, id string) (*gateway.Failure, error) {
	if err := s.store.SetError(ctx, id, nil); err != nil {
		return nil, err
	}
	source, err := s.store.Source(ctx, id)
	if err != nil {
		return nil, err
	}

	callCtx := context.WithoutCancel(ctx)
	start := s.now()
	res := s.converter.Convert(callCtx, source)
	s.record(callCtx, id, storage.KindConvert, res.Failure, s.now().Sub(start))

	if !res.OK() {
		s.log.Warn().Str("workspace", id).Str("details", res.Failure.Details).Msg("conversion failed")
		if err := s.store.SetError(callCtx, id, res.Failure.Record(ConvertFailureMessage)); err != nil {
			return nil, err
		}
		return res.Failure, nil
	}
	art := &models.Artifact{
		ID:          s.newID(),
		ContentType: ArtifactContentType,
		Data:        res.Value,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SetArtifact(callCtx, id, art); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) DownloadSource(ctx context.Context, id string) (*Download, error) {
	src, err := s.store.Source(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Download{FileName: SourceFileName, ContentType: SourceContentType, Data: []byte(src)}, nil
}

func (s *Service) DownloadArtifact(ctx context.Context, id string) (*Download, error) {
	art, err := s.store.Artifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, ErrNoArtifact
	}
	ct := art.ContentType
	if ct == "" {
		ct = ArtifactContentType
	}
	return &Download{FileName: ArtifactFileName, ContentType: ct, Data: art.Data}, nil
}

// DismissError clears the error slot.
func (s *Service) DismissError(ctx context.Context, id string) error {
	return s.store.SetError(ctx, id, nil)
}

// Discard removes a workspace and its staged files.
func (s *Service) Discard(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.uploads.RemoveWorkspace(id)
	return nil
}

// Sweep expires idle workspaces for stores that track idleness themselves.
func (s *Service) Sweep(now time.Time) int {
	sw, ok := s.store.(state.Sweeper)
	if !ok {
		return 0
	}
	expired := sw.Sweep(now)
	for _, id := range expired {
		s.uploads.RemoveWorkspace(id)
	}
	return len(expired)
}

// StartJanitor sweeps idle workspaces every interval until ctx is done.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.Sweep(now); n > 0 {
					s.log.Info().Int("expired", n).Msg("idle workspaces removed")
				}
			}
		}
	}()
}

func (s *Service) record(ctx context.Context, id, kind string, failure *gateway.Failure, took time.Duration) {
	if s.journal == nil {
		return
	}
	ex := storage.Exchange{
		WorkspaceID: id,
		Kind:        kind,
		Outcome:     storage.OutcomeOK,
		DurationMS:  took.Milliseconds(),
	}
	if failure != nil {
		ex.Outcome = storage.OutcomeFailed
		ex.Detail = failure.Details
	}
	if err := s.journal.Record(ctx, ex); err != nil {
		s.log.Warn().Err(err).Str("kind", kind).Msg("journal write failed")
	}
}
