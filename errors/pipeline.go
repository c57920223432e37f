package errors

import (
	"errors"
	"fmt"
	"strings"
)

// The pipeline's failure modes are typed so the coordinator can decide
// between retrying, falling back and aborting without string matching.

// ValidationError is a malformed or out-of-range ad request. Never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func NewValidationError(field, msg string) error {
	return Unretriable(ValidationError{Field: field, Msg: msg})
}

func IsValidationError(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}

// PlanningError means the text model could not produce a usable segment plan,
// including after the one corrective re-prompt. Terminal.
type PlanningError struct {
	Msg   string
	cause error
}

func (e PlanningError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("planning failed: %s: %s", e.Msg, e.cause)
	}
	return "planning failed: " + e.Msg
}

func (e PlanningError) Unwrap() error { return e.cause }

func NewPlanningError(msg string, cause error) error {
	return Unretriable(PlanningError{Msg: msg, cause: cause})
}

func IsPlanningError(err error) bool {
	var p PlanningError
	return errors.As(err, &p)
}

// ContentPolicyError is the video model refusing a generation request on
// safety grounds. Retrying the same input is pointless; the producer gets
// exactly one fallback attempt with the pristine character image.
type ContentPolicyError struct {
	ClipIndex int
	Msg       string
}

func (e ContentPolicyError) Error() string {
	return fmt.Sprintf("content policy rejection on clip %d: %s", e.ClipIndex, e.Msg)
}

func NewContentPolicyError(clipIndex int, msg string) error {
	return Unretriable(ContentPolicyError{ClipIndex: clipIndex, Msg: msg})
}

func IsContentPolicyError(err error) bool {
	var c ContentPolicyError
	return errors.As(err, &c)
}

// MuxError is a mux tool invocation that exited non-zero. Stderr carries the
// tool's own diagnosis, which is the only useful signal ffmpeg gives.
type MuxError struct {
	Op     string
	Stderr string
	cause  error
}

func (e MuxError) Error() string {
	return fmt.Sprintf("%s failed: %s: %s", e.Op, e.cause, lastLines(e.Stderr, 5))
}

func (e MuxError) Unwrap() error { return e.cause }

func NewMuxError(op, stderr string, cause error) error {
	return Unretriable(MuxError{Op: op, Stderr: stderr, cause: cause})
}

func IsMuxError(err error) bool {
	var m MuxError
	return errors.As(err, &m)
}

// StorageError is an artifact store operation that failed after retries.
type StorageError struct {
	Op    string
	Key   string
	cause error
}

func (e StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.cause)
}

func (e StorageError) Unwrap() error { return e.cause }

func NewStorageError(op, key string, cause error) error {
	return StorageError{Op: op, Key: key, cause: cause}
}

func IsStorageError(err error) bool {
	var s StorageError
	return errors.As(err, &s)
}

// ResumeSkewError means the job document and the artifact store disagree in
// a way resumption cannot reconcile, e.g. checkpointed clips exist but the
// document carries no segment plan. Requires operator attention.
type ResumeSkewError struct {
	Msg string
}

func (e ResumeSkewError) Error() string {
	return "resume skew: " + e.Msg
}

func NewResumeSkewError(msg string) error {
	return Unretriable(ResumeSkewError{Msg: msg})
}

func IsResumeSkew(err error) bool {
	var r ResumeSkewError
	return errors.As(err, &r)
}

func lastLines(s string, n int) string {
	if s == "" {
		return "<no stderr>"
	}
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
