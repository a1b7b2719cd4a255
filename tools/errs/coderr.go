package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Error codes used across the delivery core. Ranges:
// 1xxx connection level, 2xxx state transitions, 3xxx storage.
const (
	CodeConnectionLost      = 1001
	CodeSlowConsumer        = 1002
	CodeDuplicateTransition = 2001
	CodeInvalidState        = 2002
	CodeStoreUnavailable    = 3001
)

var (
	// ErrConnectionLost is recoverable locally: the connection gets
	// unregistered, peers never see it.
	ErrConnectionLost = NewCodeError(CodeConnectionLost, "connection lost")

	// ErrSlowConsumer marks a connection force-closed after too many
	// stuck sends.
	ErrSlowConsumer = NewCodeError(CodeSlowConsumer, "slow consumer")

	// ErrDuplicateTransition marks an idempotent re-apply; callers treat
	// it as a no-op, not a failure.
	ErrDuplicateTransition = NewCodeError(CodeDuplicateTransition, "duplicate transition")

	// ErrInvalidState is returned when a timestamp would move a marker
	// backward. The caller must clamp and retry.
	ErrInvalidState = NewCodeError(CodeInvalidState, "invalid state")

	// ErrStoreUnavailable is fatal to the in-flight operation; nothing is
	// fanned out (persistence precedes broadcast).
	ErrStoreUnavailable = NewCodeError(CodeStoreUnavailable, "store unavailable")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the copy still
// matches the original via errors.Is.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Is(target error) bool {
	var ce *CodeError
	if !errors.As(target, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// CodeOf extracts the error code, or 0 for non-code errors.
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// IsDuplicate reports whether err is the idempotent no-op marker.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateTransition)
}
