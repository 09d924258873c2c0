package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is matched by fatal store errors after retries are exhausted.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotClaimed is returned when a transition targets an entry the caller does not hold.
	ErrNotClaimed = errors.New("entry not claimed by owner")
	// ErrChallengeTimeout marks a URL whose challenge was not cleared within budget.
	ErrChallengeTimeout = errors.New("challenge not cleared within budget")
	// ErrUnsupported is returned by browser primitives a backend cannot perform.
	ErrUnsupported = errors.New("operation not supported")
)

// ErrorKind classifies store failures for the orchestrator.
type ErrorKind int

// Store error kinds.
const (
	// KindTransient failures affect one operation; the store is still reachable.
	KindTransient ErrorKind = iota + 1
	// KindFatal failures mean the store stayed unreachable through every retry.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StoreError wraps a failed store operation with its kind.
type StoreError struct {
	Op       string
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s (%s after %d attempt(s)): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is lets fatal store errors match ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable && e.Kind == KindFatal
}

// IsFatal reports whether err should stop the worker.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// RenderError is a navigation failure that may still have produced usable content.
type RenderError struct {
	URL string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.URL, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ExtractionError reports a page whose structure did not match the extractor.
type ExtractionError struct {
	URL    string
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}
