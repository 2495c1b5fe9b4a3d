package source

import (
	"errors"
	"fmt"
)

// ErrExhausted signals that a topic listing has no further entries.
var ErrExhausted = errors.New("source: listing exhausted")

// Kind classifies a fetch failure for control-flow purposes.
type Kind int

const (
	// KindTransient failures are retried on the next cycle with no state
	// penalty beyond logging.
	KindTransient Kind = iota
	// KindBlocking failures indicate rate-limiting or an anti-automation
	// response and drive the cooldown/recovery state machine.
	KindBlocking
	// KindNotFound failures mean the item is permanently gone upstream.
	KindNotFound
	// KindParse failures mean the upstream payload no longer matches the
	// expected schema.
	KindParse
)

func (k Kind) String() string {
	switch k {
	case KindBlocking:
		return "blocking"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	default:
		return "transient"
	}
}

// ErrBlocking indicates an access-denied or rate-limited response.
type ErrBlocking struct {
	Status int
	Err    error
}

func (e ErrBlocking) Error() string {
	return fmt.Sprintf("blocking (%d): %v", e.Status, e.Err)
}

func (e ErrBlocking) Unwrap() error { return e.Err }

// ErrNotFound indicates the resource is permanently gone (HTTP 404/410).
type ErrNotFound struct {
	Status int
	Err    error
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not_found (%d): %v", e.Status, e.Err)
}

func (e ErrNotFound) Unwrap() error { return e.Err }

// ErrParse indicates schema drift on the upstream payload.
type ErrParse struct {
	Err error
}

func (e ErrParse) Error() string { return fmt.Sprintf("parse: %v", e.Err) }

func (e ErrParse) Unwrap() error { return e.Err }

// Classify maps a fetch error onto the taxonomy. Anything unrecognised is
// treated as transient.
func Classify(err error) Kind {
	var blocking ErrBlocking
	if errors.As(err, &blocking) {
		return KindBlocking
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return KindNotFound
	}
	var parse ErrParse
	if errors.As(err, &parse) {
		return KindParse
	}
	return KindTransient
}

// DeadReason returns the persisted reason string for a permanent failure.
func DeadReason(err error) string {
	var notFound ErrNotFound
	if errors.As(err, &notFound) && notFound.Status != 0 {
		return fmt.Sprintf("%d", notFound.Status)
	}
	return "gone"
}
