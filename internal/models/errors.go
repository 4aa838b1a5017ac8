package models

import (
	"errors"
	"fmt"
)

// ErrUserNotFound is returned by user stores for unknown ids.
var ErrUserNotFound = errors.New("user not found")

// FailureKind classifies why a job reached a terminal failure or rejection.
const (
	KindInvalidMedia      = "invalid_media"
	KindTooLong           = "too_long"
	KindTooLarge          = "too_large"
	KindUnsupportedFormat = "unsupported_format"
	KindEngineFailure     = "engine_failure"
	KindTimeout           = "timeout"
	KindQuotaExhausted    = "quota_exhausted"
	KindQuotaInconsistent = "quota_inconsistent"
)

// PipelineError is the single error type surfaced for a job's terminal
// failure. Detail carries diagnostic output (e.g. ffmpeg stderr) when present.
type PipelineError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *PipelineError) Error() string {
	msg := e.Kind
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a failure kind.
func NewPipelineError(kind, detail string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the failure kind from err, or empty if err is not a
// pipeline error.
func KindOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
