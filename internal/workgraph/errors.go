package workgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("resource not found")
	ErrValidation       = errors.New("invalid mutation")
	ErrConflict         = errors.New("version conflict")
	ErrCycle            = errors.New("relationship cycle")
	ErrCursorExpired    = errors.New("sync cursor expired")
	ErrHandshakeTimeout = errors.New("webhook handshake failed")
	ErrBatchTooLarge    = errors.New("batch exceeds size limit")
	ErrQueueFull        = errors.New("delivery queue full")
	ErrStoreClosed      = errors.New("store closed")
	ErrNotImplemented   = errors.New("backend not implemented")
)

// ValidationError reports a malformed mutation payload. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid mutation: %s", e.Reason)
	}
	return fmt.Sprintf("invalid mutation: field %q %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConflictError reports a stale expected version on a mutation. Callers may
// retry with fresh state.
type ConflictError struct {
	ResourceGID     string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %d, current %d",
		e.ResourceGID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// CycleError reports a rejected edge that would close a cycle in the
// dependency graph or the subtask tree. Path runs from the proposed target
// back to the proposed source over existing edges.
type CycleError struct {
	Relation string
	FromGID  string
	ToGID    string
	Path     []string
}

func (e *CycleError) Error() string {
	msg := fmt.Sprintf("%s edge %s -> %s would create a cycle", e.Relation, e.FromGID, e.ToGID)
	if len(e.Path) > 0 {
		msg += " via " + strings.Join(e.Path, " -> ")
	}
	return msg
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// CursorExpiredError signals that a sync token fell behind the retention
// horizon. The caller must drop the cursor and resync from scratch.
type CursorExpiredError struct {
	WorkspaceGID    string
	Sequence        uint64
	OldestAvailable uint64
}

func (e *CursorExpiredError) Error() string {
	return fmt.Sprintf("sync cursor at sequence %d expired for workspace %s (oldest available %d)",
		e.Sequence, e.WorkspaceGID, e.OldestAvailable)
}

func (e *CursorExpiredError) Is(target error) bool {
	return target == ErrCursorExpired
}

// HandshakeError reports a webhook registration whose target never echoed
// the one-time secret within the allowed window. The subscription is
// discarded.
type HandshakeError struct {
	Target string
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("webhook handshake with %s failed: %s", e.Target, e.Reason)
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeTimeout
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
