package models

import "time"

// Artifact is the most recently generated document. It is replaced wholesale,
// never patched.
type Artifact struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// Size reports the artifact length in bytes.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// ErrorRecord is the single shared failure slot shown by the preview panel.
type ErrorRecord struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}
