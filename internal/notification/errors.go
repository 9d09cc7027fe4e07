package notification

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a rule or scheduled notification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTargetNotFound is returned when the entity a rule points at no longer
	// exists. Pending occurrences for the target must be cancelled.
	ErrTargetNotFound = errors.New("target not found")

	// ErrNoAnchor is returned when the entity exists but the requested event
	// has no timestamp yet (a task that was never assigned, for instance).
	ErrNoAnchor = errors.New("anchor not available")

	// ErrClaimConflict means another worker already owns or moved the
	// notification. It is benign and callers drop their attempt.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrInvalidState is returned when an operation is not allowed in the
	// notification's current state.
	ErrInvalidState = errors.New("invalid state")
)

// FieldError describes a single invalid field
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned for malformed rules. Such rules are rejected
// synchronously and never materialized.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ChannelError is returned by channel senders. Permanent errors (invalid
// address, rejected recipient) are never retried.
type ChannelError struct {
	Channel   Channel
	Recipient string
	Permanent bool
	Err       error
}

func (e *ChannelError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s error for %s: %v", kind, e.Channel, e.Recipient, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TransientChannelError wraps err as a retryable channel failure.
func TransientChannelError(channel Channel, recipient string, err error) error {
	return &ChannelError{Channel: channel, Recipient: recipient, Err: err}
}

// PermanentChannelError wraps err as a non-retryable channel failure.
func PermanentChannelError(channel Channel, recipient string, err error) error {
	return &ChannelError{Channel: channel, Recipient: recipient, Permanent: true, Err: err}
}

// IsPermanent reports whether err is a permanent channel failure. Errors that
// are not channel errors are treated as transient.
func IsPermanent(err error) bool {
	var chErr *ChannelError
	return errors.As(err, &chErr) && chErr.Permanent
}
