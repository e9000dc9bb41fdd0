// Package web holds the embedded page templates and static assets, and
// builds the view models the three panel templates render from.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"

	"texchat/internal/models"
	"texchat/internal/render"
	"texchat/internal/workspace"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

const (
	PageTemplate    = "page"
	ChatTemplate    = "chat"
	EditorTemplate  = "editor"
	PreviewTemplate = "preview"
)

// Templates parses every panel template.
func Templates() (*template.Template, error) {
	tmpl, err := template.New("").Funcs(template.FuncMap{
		"humanSize": humanSize,
	}).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return tmpl, nil
}

// Static serves the embedded JS and CSS.
func Static() http.FileSystem {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.FS(sub)
}

type MessageView struct {
	Role string
	HTML template.HTML
}

type AttachmentView struct {
	Name string
	Size int64
	Mime string
}

type ChatView struct {
	Messages    []MessageView
	Attachments []AttachmentView
}

type EditorView struct {
	Source         string
	SourceFileName string
}

type ErrorView struct {
	Message string
	Details string
	Stdout  string
	Stderr  string
}

// PreviewView is a pure function of the artifact and error slots.
type PreviewView struct {
	HasArtifact      bool
	ArtifactID       string
	ArtifactSize     int
	ArtifactFileName string
	Error            *ErrorView
}

type PageView struct {
	CSRFToken      string
	CSRFHeaderName string
	Chat           ChatView
	Editor         EditorView
	Preview        PreviewView
}

// Views turns workspace snapshots into panel view models.
type Views struct {
	renderer *render.Renderer
}

func NewViews(r *render.Renderer) *Views {
	return &Views{renderer: r}
}

func (v *Views) Chat(snap *workspace.Snapshot) ChatView {
	out := ChatView{
		Messages:    make([]MessageView, 0, len(snap.Messages)),
		Attachments: make([]AttachmentView, 0, len(snap.Attachments)),
	}
	for _, msg := range snap.Messages {
		out.Messages = append(out.Messages, MessageView{
			Role: string(msg.Role),
			HTML: v.renderer.MustMarkdown(msg.Content),
		})
	}
	for _, att := range snap.Attachments {
		out.Attachments = append(out.Attachments, AttachmentView{Name: att.FileName, Size: att.Size, Mime: att.MimeType})
	}
	return out
}

func (v *Views) Editor(snap *workspace.Snapshot) EditorView {
	return EditorView{Source: snap.Source, SourceFileName: workspace.SourceFileName}
}

func (v *Views) Preview(snap *workspace.Snapshot) PreviewView {
	return Preview(snap.Artifact, snap.Error)
}

func (v *Views) Page(snap *workspace.Snapshot, csrfToken, csrfHeader string) PageView {
	return PageView{
		CSRFToken:      csrfToken,
		CSRFHeaderName: csrfHeader,
		Chat:           v.Chat(snap),
		Editor:         v.Editor(snap),
		Preview:        v.Preview(snap),
	}
}

func Preview(art *models.Artifact, rec *models.ErrorRecord) PreviewView {
	view := PreviewView{ArtifactFileName: workspace.ArtifactFileName}
	if art != nil {
		view.HasArtifact = true
		view.ArtifactID = art.ID
		view.ArtifactSize = art.Size()
	}
	if rec != nil {
		view.Error = &ErrorView{
			Message: rec.Message,
			Details: rec.Details,
			Stdout:  rec.Stdout,
			Stderr:  rec.Stderr,
		}
	}
	return view
}

func humanSize(n interface{}) string {
	var size float64
	switch v := n.(type) {
	case int:
		size = float64(v)
	case int64:
		size = float64(v)
	default:
		return fmt.Sprint(n)
	}
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MB", size/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KB", size/(1<<10))
	default:
		return fmt.Sprintf("%d B", int64(size))
	}
}
