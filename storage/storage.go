// Package storage defines the persistence contract for events, their
// recurrence rules, per-occurrence overrides and shares.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cyp0633/libcalrecur/override"
	"github.com/cyp0633/libcalrecur/recurrence"
)

// Error types
type ErrorType string

const (
	ErrNotFound      ErrorType = "not_found"
	ErrAlreadyExists ErrorType = "already_exists"
	ErrInvalidInput  ErrorType = "invalid_input"
	ErrUnavailable   ErrorType = "unavailable"
)

// Error represents a storage-related error
type Error struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsType reports whether err is, or wraps, a storage error of type t.
func IsType(err error, t ErrorType) bool {
	var se *Error
	return errors.As(err, &se) && se.Type == t
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Event is a stored event with its optional recurrence rule. A soft-deleted
// event keeps its row with DeletedAt set and is never listed.
type Event struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	Name        string
	Description string
	Span        recurrence.Span
	Rule        *recurrence.Rule
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// MayOccurIn reports whether any occurrence of e can start inside w. It is
// a cheap pre-filter; false positives are fine, false negatives are not.
func (e Event) MayOccurIn(w Window) bool {
	if e.Rule == nil {
		return !e.Span.Start.Before(w.Start) && e.Span.Start.Before(w.End)
	}
	if !e.Span.Start.Before(w.End) {
		return false
	}
	if e.Rule.Bound == nil {
		return true
	}
	last, ok := e.Rule.LastStart(e.Span)
	return ok && !last.Before(w.Start)
}

// Share grants User access to an event they do not own.
type Share struct {
	EventID uuid.UUID
	User    uuid.UUID
	CanEdit bool
}

// Store reads events and overrides. A nil ids slice means every event.
type Store interface {
	ListEvents(ctx context.Context, ids []uuid.UUID, w Window) ([]Event, error)
	ListOverrides(ctx context.Context, ids []uuid.UUID) ([]override.Override, error)
}

// ShareStore lists the shares granted to a user.
type ShareStore interface {
	ListShares(ctx context.Context, user uuid.UUID) ([]Share, error)
}

// Writer mutates stored data. DeleteEvent is a soft delete.
type Writer interface {
	PutEvent(ctx context.Context, e Event) error
	DeleteEvent(ctx context.Context, id uuid.UUID) error
	PutOverride(ctx context.Context, o override.Override) error
	PutShare(ctx context.Context, s Share) error
}

// Notifier reports events whose stored data changed.
type Notifier interface {
	OnInvalidate(fn func(eventID uuid.UUID)) (cancel func())
}
