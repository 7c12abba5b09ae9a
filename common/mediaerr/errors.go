// Package mediaerr defines the typed errors surfaced by the media pipeline.
//
// Every error leaving the pipeline carries a Kind and, where known, the
// stage at which it fired. Callers branch on the kind with errors.Is
// against the Err* sentinels or with KindOf.
package mediaerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure
type Kind string

const (
	KindInput            Kind = "input_error"
	KindHashComputation  Kind = "hash_computation_error"
	KindProcessingFailed Kind = "processing_failed"
	KindStorage          Kind = "storage_error"
	KindRegistryRaceLost Kind = "registry_race_lost"
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
)

// Sentinels for errors.Is matching. An *Error matches the sentinel of its
// kind.
var (
	ErrInput            = &Error{Kind: KindInput}
	ErrHashComputation  = &Error{Kind: KindHashComputation}
	ErrProcessingFailed = &Error{Kind: KindProcessingFailed}
	ErrStorage          = &Error{Kind: KindStorage}
	ErrRegistryRaceLost = &Error{Kind: KindRegistryRaceLost}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNotFound         = &Error{Kind: KindNotFound}
)

// Error is a pipeline error with a kind and the stage it occurred in
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so that errors.Is(err, ErrStorage) holds for
// any storage error regardless of message or stage.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Stage == "" && t.Err == nil
}

// WithStage returns a copy of the error tagged with a stage. An existing
// stage is kept.
func (e *Error) WithStage(stage string) *Error {
	if e.Stage != "" {
		return e
	}
	cp := *e
	cp.Stage = stage
	return &cp
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Input reports a missing or invalid file
func Input(format string, args ...any) *Error {
	return newError(KindInput, nil, format, args...)
}

// HashComputation reports an I/O failure while streaming or hashing
func HashComputation(err error, format string, args ...any) *Error {
	return newError(KindHashComputation, err, format, args...)
}

// ProcessingFailed reports a transcoder failure or unusable output
func ProcessingFailed(err error, format string, args ...any) *Error {
	return newError(KindProcessingFailed, err, format, args...)
}

// Storage reports a filesystem or database write failure
func Storage(err error, format string, args ...any) *Error {
	return newError(KindStorage, err, format, args...)
}

// RegistryRaceLost reports a duplicate insert into the hash registry. It is
// recovered inside the registry and never returned to callers.
func RegistryRaceLost(digest string) *Error {
	return newError(KindRegistryRaceLost, nil, "digest %s registered concurrently", digest)
}

// Timeout reports a task that exceeded its abandonment ceiling
func Timeout(format string, args ...any) *Error {
	return newError(KindTimeout, nil, format, args...)
}

// NotFound reports a missing media, entry or task
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err is not a pipeline error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StageOf returns the stage of the first *Error in err's chain
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// AtStage tags err with a stage. Deadline errors become timeouts and any
// other unclassified error becomes a storage error.
func AtStage(err error, stage string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e.WithStage(stage)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return (&Error{Kind: KindTimeout, Err: err}).WithStage(stage)
	}
	return (&Error{Kind: KindStorage, Err: err}).WithStage(stage)
}
