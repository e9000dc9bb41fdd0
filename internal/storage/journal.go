package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	KindChat    = "chat"
	KindConvert = "convert"

	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// maxDetail bounds the stored failure text.
const maxDetail = 2000

// Exchange is one outbound request made on behalf of a workspace.
// WorkspaceID is only an input to Record; the database and readers see
// WorkspaceRef, since the raw id doubles as the workspace cookie.
type Exchange struct {
	ID           int64     `json:"id"`
	WorkspaceID  string    `json:"-"`
	WorkspaceRef string    `json:"workspace_ref"`
	Kind         string    `json:"kind"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// WorkspaceRef returns a stable one-way reference for a workspace id.
func WorkspaceRef(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Journal appends exchanges to the database. It never updates rows.
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func (j *Journal) Record(ctx context.Context, ex Exchange) error {
	if j == nil || j.db == nil {
		return nil
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	ex.Detail = truncate(ex.Detail, maxDetail)
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO exchanges (workspace_ref, kind, outcome, detail, duration_ms, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		WorkspaceRef(ex.WorkspaceID), ex.Kind, ex.Outcome, ex.Detail, ex.DurationMS, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit exchanges, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, workspace_ref, kind, outcome, detail, duration_ms, created_at FROM exchanges ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var (
			ex     Exchange
			detail sql.NullString
		)
		if err := rows.Scan(&ex.ID, &ex.WorkspaceRef, &ex.Kind, &ex.Outcome, &detail, &ex.DurationMS, &ex.CreatedAt); err != nil {
			return nil, err
		}
		ex.Detail = detail.String
		out = append(out, ex)
	}
	return out, rows.Err()
}
