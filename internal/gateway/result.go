// Package gateway talks to the external collaborators: the LaTeX conversion
// service and the chat endpoint. Every call returns a Result so callers never
// handle raw response payloads.
package gateway

import (
	"fmt"

	"texchat/internal/models"
)

// Failure describes why an outbound call did not produce a payload. Status is
// zero for transport failures.
type Failure struct {
	Status  int
	Details string
	Stdout  string
	Stderr  string
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Status == 0 {
		return f.Details
	}
	return fmt.Sprintf("status %d: %s", f.Status, f.Details)
}

// Record converts the failure into the shared error record under a
// user-facing message.
func (f *Failure) Record(message string) *models.ErrorRecord {
	rec := &models.ErrorRecord{Message: message}
	if f != nil {
		rec.Details = f.Details
		rec.Stdout = f.Stdout
		rec.Stderr = f.Stderr
	}
	return rec
}

// Result is either a value or a failure, never both.
type Result[T any] struct {
	Value   T
	Failure *Failure
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Fail[T any](f *Failure) Result[T] {
	if f == nil {
		f = &Failure{Details: "unknown failure"}
	}
	return Result[T]{Failure: f}
}

// FailErr wraps a plain error as a transport-level failure.
func FailErr[T any](err error) Result[T] {
	return Fail[T](&Failure{Details: err.Error()})
}

func (r Result[T]) OK() bool {
	return r.Failure == nil
}
