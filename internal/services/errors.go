package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a failure. The set is closed: every error produced by the
// resilience layer carries exactly one of these kinds.
type Kind string

const (
	KindClient      Kind = "client"
	KindTransient   Kind = "transient"
	KindCircuitOpen Kind = "circuit_open"
	KindPollTimeout Kind = "poll_timeout"
	KindJobLost     Kind = "job_lost"
	KindNotFound    Kind = "not_found"
	KindStageFailed Kind = "stage_failed"
	KindCanceled    Kind = "canceled"
	KindInterrupted Kind = "interrupted"
	KindInternal    Kind = "internal"
)

var (
	ErrClient      = errors.New("client error")
	ErrTransient   = errors.New("transient service error")
	ErrCircuitOpen = errors.New("service unavailable: circuit open")
	ErrPollTimeout = errors.New("poll timeout")
	ErrJobLost     = errors.New("remote job lost")
	ErrNotFound    = errors.New("not found")
	ErrStageFailed = errors.New("stage reported failure")
	ErrCanceled    = errors.New("canceled")
	ErrInterrupted = errors.New("interrupted")
	ErrInternal    = errors.New("internal error")
)

var kindMarkers = map[Kind]error{
	KindClient:      ErrClient,
	KindTransient:   ErrTransient,
	KindCircuitOpen: ErrCircuitOpen,
	KindPollTimeout: ErrPollTimeout,
	KindJobLost:     ErrJobLost,
	KindNotFound:    ErrNotFound,
	KindStageFailed: ErrStageFailed,
	KindCanceled:    ErrCanceled,
	KindInterrupted: ErrInterrupted,
	KindInternal:    ErrInternal,
}

// AllKinds returns every error kind in a stable order.
func AllKinds() []Kind {
	return []Kind{
		KindClient,
		KindTransient,
		KindCircuitOpen,
		KindPollTimeout,
		KindJobLost,
		KindNotFound,
		KindStageFailed,
		KindCanceled,
		KindInterrupted,
		KindInternal,
	}
}

// Error is the tagged failure value passed between the resilience layer and
// the orchestrator.
type Error struct {
	Kind       Kind
	Target     string
	Op         string
	StatusCode int
	Message    string
	Err        error
	// RetryAfter is the server-requested wait, parsed from a Retry-After header.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	marker := kindMarkers[e.Kind]
	if marker == nil {
		marker = ErrInternal
	}
	detail := buildDetail(e.Target, e.Op, e.Message)
	if e.StatusCode > 0 {
		detail = fmt.Sprintf("%s (http %d)", detail, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", marker, detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", marker, detail)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel marker for the error's kind so callers can use
// errors.Is(err, services.ErrCircuitOpen).
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	marker, ok := kindMarkers[e.Kind]
	return ok && marker == target
}

// ErrorKind satisfies classifiers that only need the string form.
func (e *Error) ErrorKind() string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

// Wrap builds a tagged error that includes the downstream target and the
// operation being attempted.
func Wrap(kind Kind, target, op, message string, err error) error {
	if kind == "" {
		kind = KindInternal
	}
	return &Error{Kind: kind, Target: target, Op: op, Message: message, Err: err}
}

// FromStatus maps a non-2xx HTTP response to a tagged error.
func FromStatus(target, op string, statusCode int, body string) error {
	return &Error{
		Kind:       ClassifyHTTPStatus(statusCode),
		Target:     target,
		Op:         op,
		StatusCode: statusCode,
		Message:    truncate(strings.TrimSpace(body), 256),
	}
}

// ClassifyHTTPStatus maps a response status code to an error kind. Success
// codes map to the empty kind.
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code < http.StatusMultipleChoices:
		return ""
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return KindTransient
	case code >= http.StatusInternalServerError:
		return KindTransient
	default:
		return KindClient
	}
}

// KindOf classifies any error. Context errors are mapped so callers never
// have to special-case them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) && tagged.Kind != "" {
		return tagged.Kind
	}
	for kind, marker := range kindMarkers {
		if errors.Is(err, marker) {
			return kind
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindPollTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindInternal
}

// RetryLater reports whether a failure of this kind is worth resubmitting
// unchanged at a later time, as opposed to fixing the input.
func RetryLater(kind Kind) bool {
	switch kind {
	case KindTransient, KindCircuitOpen, KindPollTimeout, KindInterrupted, KindJobLost:
		return true
	case KindClient, KindNotFound, KindStageFailed, KindCanceled, KindInternal:
		return false
	default:
		return false
	}
}

// Detail is a flattened view of an error used for logging and job records.
type Detail struct {
	Kind       Kind
	Target     string
	Operation  string
	StatusCode int
	Message    string
	Hint       string
	Cause      error
}

// Details extracts structured information from err.
func Details(err error) Detail {
	if err == nil {
		return Detail{}
	}
	detail := Detail{Kind: KindOf(err), Message: strings.TrimSpace(err.Error())}
	var tagged *Error
	if errors.As(err, &tagged) {
		detail.Target = tagged.Target
		detail.Operation = tagged.Op
		detail.StatusCode = tagged.StatusCode
		detail.Cause = tagged.Err
	}
	detail.Hint = hintFor(detail.Kind)
	return detail
}

func hintFor(kind Kind) string {
	switch kind {
	case KindClient:
		return "fix the request input and resubmit"
	case KindTransient:
		return "downstream service is failing; retry later"
	case KindCircuitOpen:
		return "downstream service is marked unavailable; retry after the recovery timeout"
	case KindPollTimeout:
		return "stage did not finish within its time budget; retry later or raise the timeout"
	case KindJobLost:
		return "downstream service discarded the job; resubmit"
	case KindNotFound:
		return "resource does not exist"
	case KindStageFailed:
		return "downstream stage rejected the work; inspect the stage error"
	case KindCanceled:
		return "job was canceled"
	case KindInterrupted:
		return "orchestrator stopped while the job was running; resubmit"
	default:
		return "check logs for details"
	}
}

func buildDetail(target, operation, message string) string {
	parts := make([]string, 0, 3)
	if target = strings.TrimSpace(target); target != "" {
		parts = append(parts, target)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit] + "…"
}
