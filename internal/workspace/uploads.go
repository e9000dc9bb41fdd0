package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"texchat/internal/models"
)

const (
	DefaultAttachmentTTL   = time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
)

// Accepted attachment kinds: images, plain text and PDF.
var allowedContentTypes = []string{
	"image/",
	"text/",
	"application/pdf",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// Uploads stages attachment bytes on disk under base/{workspace id}.
type Uploads struct {
	base     string
	ttl      time.Duration
	maxBytes int64
	log      zerolog.Logger
	now      func() time.Time
}

func NewUploads(base string, ttl time.Duration, maxBytes int64, log zerolog.Logger) *Uploads {
	if ttl <= 0 {
		ttl = DefaultAttachmentTTL
	}
	return &Uploads{base: base, ttl: ttl, maxBytes: maxBytes, log: log, now: time.Now}
}

// Save copies one uploaded file to disk after checking its size and sniffed type.
func (u *Uploads) Save(workspaceID string, fh *multipart.FileHeader) (models.Attachment, error) {
	if u.maxBytes > 0 && fh.Size > u.maxBytes {
		return models.Attachment{}, fmt.Errorf("%s: %w", fh.Filename, ErrFileTooLarge)
	}
	src, err := fh.Open()
	if err != nil {
		return models.Attachment{}, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer src.Close()

	buf := make([]byte, 512)
	n, _ := io.ReadFull(src, buf)
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		return models.Attachment{}, fmt.Errorf("%s (%s): %w", fh.Filename, contentType, ErrUnsupportedType)
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return models.Attachment{}, fmt.Errorf("rewind %s: %w", fh.Filename, err)
	}

	filename := filepath.Base(fh.Filename)
	destDir, destPath, finalName := u.uniquePath(workspaceID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return models.Attachment{}, fmt.Errorf("create directory: %w", err)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("create %s: %w", finalName, err)
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(destPath)
		return models.Attachment{}, fmt.Errorf("save %s: %w", finalName, err)
	}

	now := u.now().UTC()
	return models.Attachment{
		ID:         uuid.NewString(),
		FileName:   finalName,
		StoredPath: destPath,
		MimeType:   contentType,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(u.ttl),
	}, nil
}

// Remove deletes the staged bytes of atts. Missing files are ignored.
func (u *Uploads) Remove(atts []models.Attachment) {
	for _, att := range atts {
		if err := os.Remove(att.StoredPath); err != nil && !os.IsNotExist(err) {
			u.log.Warn().Err(err).Str("path", att.StoredPath).Msg("remove attachment failed")
			continue
		}
		_ = os.Remove(filepath.Dir(att.StoredPath))
	}
}

// RemoveWorkspace drops every staged file of a workspace.
func (u *Uploads) RemoveWorkspace(workspaceID string) {
	if workspaceID == "" || strings.ContainsAny(workspaceID, `/\`) {
		return
	}
	if err := os.RemoveAll(filepath.Join(u.base, workspaceID)); err != nil {
		u.log.Warn().Err(err).Str("workspace", workspaceID).Msg("remove workspace uploads failed")
	}
}

func (u *Uploads) filePath(workspaceID, filename string) (string, string) {
	destDir := filepath.Join(u.base, workspaceID)
	return destDir, filepath.Join(destDir, filename)
}

func (u *Uploads) uniquePath(workspaceID, filename string) (string, string, string) {
	destDir, destPath := u.filePath(workspaceID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := u.filePath(workspaceID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	candidate := fmt.Sprintf("%s-%d%s", base, u.now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, candidate), candidate
}

// CleanExpired removes staged files older than the attachment TTL and prunes
// the directories left empty. It returns the number of files removed.
func (u *Uploads) CleanExpired() (int, error) {
	cutoff := u.now().Add(-u.ttl)
	removed := 0
	var dirs []string
	err := filepath.WalkDir(u.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != u.base {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				u.log.Warn().Err(err).Str("path", path).Msg("remove expired attachment failed")
				return nil
			}
			removed++
		}
		return nil
	})
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return removed, err
}

// StartCleaner runs CleanExpired every interval until ctx is done.
func (u *Uploads) StartCleaner(ctx context.Context, interval time.Duration) {
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
			case <-ticker.C:
				n, err := u.CleanExpired()
				if err != nil {
					u.log.Error().Err(err).Msg("cleanup attachments")
					continue
				}
				if n > 0 {
					u.log.Info().Int("removed", n).Msg("expired attachments removed")
				}
			}
		}
	}()
}
