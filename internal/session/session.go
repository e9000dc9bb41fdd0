// Package session binds a browser to its workspace with an HTTP-only cookie
// and guards state-changing requests with a double-submit CSRF token.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const workspaceContextKey = "workspace_id"

// Checker reports whether a workspace is still alive.
type Checker interface {
	Exists(ctx context.Context, id string) (bool, error)
}

type Manager struct {
	checker        Checker
	ttl            time.Duration
	secure         bool
	cookieName     string
	csrfCookieName string
	csrfHeaderName string
}

func NewManager(checker Checker, ttl time.Duration, secure bool) *Manager {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Manager{
		checker:        checker,
		ttl:            ttl,
		secure:         secure,
		cookieName:     "texchat_workspace",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

func (m *Manager) CookieName() string     { return m.cookieName }
func (m *Manager) CSRFCookieName() string { return m.csrfCookieName }
func (m *Manager) CSRFHeaderName() string { return m.csrfHeaderName }

// Bind points the browser at workspaceID and issues a fresh CSRF token,
// which is returned so the page can embed it.
func (m *Manager) Bind(c *gin.Context, workspaceID string) (string, error) {
	csrfToken, err := generateToken()
	if err != nil {
		return "", err
	}
	maxAge := int(m.ttl.Seconds())
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     m.cookieName,
		Value:    workspaceID,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   m.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     m.csrfCookieName,
		Value:    csrfToken,
		MaxAge:   maxAge,
		Path:     "/",
		Secure:   m.secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	return csrfToken, nil
}

// Middleware resolves the workspace cookie and stores the id in the context.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(m.cookieName)
		if err != nil || id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "no workspace, reload the page"})
			return
		}
		ok, err := m.checker.Exists(c.Request.Context(), id)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "workspace lookup failed"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusGone, gin.H{"error": "workspace expired, reload the page"})
			return
		}
		c.Set(workspaceContextKey, id)
		c.Next()
	}
}

// CSRFMiddleware enforces double-submit CSRF protection.
func (m *Manager) CSRFMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) {
			c.Next()
			return
		}
		headerToken := c.GetHeader(m.csrfHeaderName)
		cookieToken, err := c.Cookie(m.csrfCookieName)
		if err != nil || headerToken == "" || cookieToken == "" || headerToken != cookieToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

// WorkspaceIDFromContext retrieves the workspace id stored by Middleware.
func WorkspaceIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(workspaceContextKey)
	if !ok {
		return "", false
	}
	id, ok := val.(string)
	return id, ok && id != ""
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
