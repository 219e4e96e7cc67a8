package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodeInternal           = Code(codes.Internal)
	CodeUnavailable        = Code(codes.Unavailable)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnavailable:        http.StatusServiceUnavailable,
}

// Reason is a stable, machine readable cause attached to an Error. Clients switch on it.
type Reason string

const (
	ReasonInvalidRoster         Reason = "invalid_roster"
	ReasonInsufficientQuestions Reason = "insufficient_questions"
	ReasonMatchActive           Reason = "match_active"
	ReasonMatchNotFound         Reason = "match_not_found"
	ReasonMatchNotActive        Reason = "match_not_active"
	ReasonDuplicateAnswer       Reason = "duplicate_answer"
	ReasonRoundClosed           Reason = "round_closed"
	ReasonUnknownParticipant    Reason = "unknown_participant"
	ReasonInvalidOption         Reason = "invalid_option"
	ReasonStaleQuestion         Reason = "stale_question"
	ReasonInvalidQuestion       Reason = "invalid_question"
)

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches another *Error by code and reason, so callers can compare against a template
// such as errors.New(CodeFailedPrecondition, WithReason(ReasonRoundClosed)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// ReasonOf returns the reason carried by err, or "" when err is not an *Error.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// Rejected builds a protocol rejection: a precondition that the caller can fix by correcting
// the request.
func Rejected(reason Reason, format string, args ...any) *Error {
	return New(CodeFailedPrecondition, WithReason(reason), WithMessagef(format, args...))
}

// Invalid builds a validation error.
func Invalid(reason Reason, format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithReason(reason), WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(r Reason) Option {
	return optionFunc(func(e *Error) {
		e.Reason = r
	})
}
