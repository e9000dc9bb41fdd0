// Package state holds the per-workspace slots: transcript, attachment set,
// document source, artifact and error record. Each slot is written by direct
// overwrite; there is no cross-slot transaction.
package state

import (
	"context"
	"errors"
	"time"

	"texchat/internal/models"
)

// ErrNotFound is returned for operations on a workspace that does not exist
// or has expired.
var ErrNotFound = errors.New("workspace not found")

type Store interface {
	Create(ctx context.Context, id, source string) error
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	// AppendMessage adds to the end of the transcript. The transcript is never
	// rewritten.
	AppendMessage(ctx context.Context, id string, msg models.Message) error
	Messages(ctx context.Context, id string) ([]models.Message, error)

	SetSource(ctx context.Context, id, source string) error
	Source(ctx context.Context, id string) (string, error)

	// SetArtifact replaces the artifact wholesale. Artifact returns nil when
	// nothing has been generated yet.
	SetArtifact(ctx context.Context, id string, a *models.Artifact) error
	Artifact(ctx context.Context, id string) (*models.Artifact, error)

	// SetError overwrites the error slot; nil clears it.
	SetError(ctx context.Context, id string, rec *models.ErrorRecord) error
	Error(ctx context.Context, id string) (*models.ErrorRecord, error)

	AddAttachments(ctx context.Context, id string, atts []models.Attachment) error
	Attachments(ctx context.Context, id string) ([]models.Attachment, error)
	// TakeAttachments returns the attachment set and empties it in one step.
	TakeAttachments(ctx context.Context, id string) ([]models.Attachment, error)
}

// Sweeper is implemented by stores that expire idle workspaces themselves.
type Sweeper interface {
	Sweep(now time.Time) []string
}
