package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"texchat/internal/session"
	"texchat/internal/storage"
	"texchat/internal/web"
	"texchat/internal/workspace"
)

// JournalReader exposes the recent outbound exchanges to operators.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]storage.Exchange, error)
}

type Options struct {
	Workspaces     *workspace.Service
	Sessions       *session.Manager
	Views          *web.Views
	Journal        JournalReader
	JournalToken   string
	MaxUploadBytes int64
	Logger         zerolog.Logger
}

// Handler wires HTTP routes to the workspace coordinator and renders the panels.
type Handler struct {
	workspaces *workspace.Service
	sessions   *session.Manager
	views      *web.Views
	journal    JournalReader
	opsToken   string
	maxUpload  int64
	log        zerolog.Logger
}

// NewHandler constructs a Handler instance.
func NewHandler(opts Options) *Handler {
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{
		workspaces: opts.Workspaces,
		sessions:   opts.Sessions,
		views:      opts.Views,
		journal:    opts.Journal,
		opsToken:   opts.JournalToken,
		maxUpload:  maxUpload,
		log:        opts.Logger,
	}
}

// RegisterRoutes expects the router to have the web templates loaded.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/", h.index)
	router.GET("/healthz", h.healthz)
	router.StaticFS("/static", web.Static())

	api := router.Group("/api")
	if h.journal != nil && h.opsToken != "" {
		api.GET("/journal", h.operatorOnly(), h.listJournal)
	}
	ws := api.Group("/workspace")
	ws.Use(h.sessions.Middleware(), h.sessions.CSRFMiddleware())
	ws.GET("/panels/:name", h.panel)
	ws.POST("/attachments", h.stageAttachments)
	ws.DELETE("/attachments", h.dropAttachments)
	ws.POST("/chat", h.submitChat)
	ws.PUT("/source", h.editSource)
	ws.GET("/source", h.downloadSource)
	ws.POST("/convert", h.convert)
	ws.GET("/artifact", h.downloadArtifact)
	ws.DELETE("/error", h.dismissError)
}

// index starts a fresh workspace: reloading the page resets all state.
func (h *Handler) index(c *gin.Context) {
	ctx := c.Request.Context()
	if old, err := c.Cookie(h.sessions.CookieName()); err == nil && old != "" {
		if err := h.workspaces.Discard(ctx, old); err != nil {
			h.log.Debug().Err(err).Str("workspace", old).Msg("discard previous workspace")
		}
	}
	id, err := h.workspaces.Open(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("open workspace")
		c.String(http.StatusInternalServerError, "could not start a workspace")
		return
	}
	csrfToken, err := h.sessions.Bind(c, id)
	if err != nil {
		c.String(http.StatusInternalServerError, "could not start a workspace")
		return
	}
	snap, err := h.workspaces.Snapshot(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.HTML(http.StatusOK, web.PageTemplate, h.views.Page(snap, csrfToken, h.sessions.CSRFHeaderName()))
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) workspaceID(c *gin.Context) (string, bool) {
	id, ok := session.WorkspaceIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no workspace, reload the page"})
		return "", false
	}
	return id, true
}

func (h *Handler) panel(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	snap, err := h.workspaces.Snapshot(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	switch c.Param("name") {
	case "chat":
		c.HTML(http.StatusOK, web.ChatTemplate, h.views.Chat(snap))
	case "editor":
		c.HTML(http.StatusOK, web.EditorTemplate, h.views.Editor(snap))
	case "preview":
		c.HTML(http.StatusOK, web.PreviewTemplate, h.views.Preview(snap))
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown panel"})
	}
}

// multipartFiles parses the request form and returns the files under the
// "files" field. The caller must call the returned cleanup.
func (h *Handler) multipartFiles(c *gin.Context) ([]*multipart.FileHeader, func(), error) {
	if err := c.Request.ParseMultipartForm(h.maxUpload); err != nil {
		return nil, func() {}, err
	}
	form := c.Request.MultipartForm
	cleanup := func() { _ = form.RemoveAll() }
	return form.File["files"], cleanup, nil
}

func (h *Handler) stageAttachments(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	files, cleanup, err := h.multipartFiles(c)
	defer cleanup()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	staged, err := h.workspaces.Stage(c.Request.Context(), id, files)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(staged))
	for _, att := range staged {
		out = append(out, gin.H{"file_name": att.FileName, "size": att.Size, "mime": att.MimeType})
	}
	c.JSON(http.StatusCreated, gin.H{"files": out})
}

func (h *Handler) dropAttachments(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	if err := h.workspaces.DropAttachments(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) submitChat(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	files, cleanup, err := h.multipartFiles(c)
	defer cleanup()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	out, err := h.workspaces.SubmitChat(c.Request.Context(), id, c.PostForm("message"), files)
	if errors.Is(err, workspace.ErrEmptySubmit) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if out.Failure != nil {
		c.JSON(http.StatusOK, gin.H{
			"ok":      false,
			"message": workspace.ChatFailureMessage,
			"details": out.Failure.Details,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "reply": out.Reply})
}

type editRequest struct {
	Source *string `json:"source" binding:"required"`
}

func (h *Handler) editSource(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source is required"})
		return
	}
	if err := h.workspaces.Edit(c.Request.Context(), id, *req.Source); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) convert(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	failure, err := h.workspaces.Convert(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if failure != nil {
		c.JSON(http.StatusOK, gin.H{
			"ok":      false,
			"message": workspace.ConvertFailureMessage,
			"details": failure.Details,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) downloadSource(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	dl, err := h.workspaces.DownloadSource(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	sendDownload(c, dl, true)
}

func (h *Handler) downloadArtifact(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	dl, err := h.workspaces.DownloadArtifact(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	sendDownload(c, dl, c.Query("download") != "")
}

func (h *Handler) dismissError(c *gin.Context) {
	id, ok := h.workspaceID(c)
	if !ok {
		return
	}
	if err := h.workspaces.DismissError(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// operatorOnly admits requests carrying the configured bearer token.
func (h *Handler) operatorOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.opsToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "operator token required"})
			return
		}
		c.Next()
	}
}

func (h *Handler) listJournal(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	items, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("list journal")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load journal failed"})
		return
	}
	if items == nil {
		items = []storage.Exchange{}
	}
	c.JSON(http.StatusOK, gin.H{"exchanges": items})
}

func sendDownload(c *gin.Context, dl *workspace.Download, attachment bool) {
	disposition := "inline"
	if attachment {
		disposition = "attachment"
	}
	c.Header("Content-Disposition", fmt.Sprintf(`%s; filename="%s"`, disposition, dl.FileName))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, dl.ContentType, dl.Data)
}

// fail maps coordinator errors onto HTTP responses. Collaborator failures
// never reach here; they are reported through the error slot.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workspace.ErrUnknownWorkspace):
		c.JSON(http.StatusGone, gin.H{"error": "workspace expired, reload the page"})
	case errors.Is(err, workspace.ErrNoArtifact):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, workspace.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, workspace.ErrUnsupportedType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
