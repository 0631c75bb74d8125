package recurrence

import (
	"time"

	"github.com/google/uuid"
)

// Span is a half-open time interval [Start, End).
type Span struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start
func (s Span) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Contains reports whether t lies in [Start, End).
func (s Span) Contains(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// Occurrence represents a single raw occurrence of an event, before overrides
type Occurrence struct {
	EventID uuid.UUID
	Ordinal int       // Position in the rule's full generation sequence, 0 is the base span
	Start   time.Time // Start time of this occurrence
	End     time.Time // End time of this occurrence
}

// Span returns the occurrence's time span
func (o Occurrence) Span() Span {
	return Span{Start: o.Start, End: o.End}
}

// ExpandOptions caps the work a single expansion may do
type ExpandOptions struct {
	MaxIterations int           // Maximum number of generation slots considered per call (0 = unlimited)
	MaxTimeSpan   time.Duration // Maximum window length considered per call (0 = unlimited)
}

// DefaultExpandOptions provides sensible defaults for expansion
var DefaultExpandOptions = ExpandOptions{
	MaxIterations: 10000,                    // Reasonable limit to prevent runaway expansion
	MaxTimeSpan:   365 * 24 * time.Hour * 5, // 5 years
}
