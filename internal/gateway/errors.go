package gateway

import (
	"errors"
	"fmt"

	"github.com/noah-isme/toko-gmpays/internal/common"
)

// Kind classifies a processor call failure.
type Kind string

const (
	// KindConfig covers missing settings and credentials the processor rejected.
	KindConfig Kind = "config"
	// KindRetryable covers timeouts, transport errors and 5xx responses.
	KindRetryable Kind = "retryable"
	// KindRejected is a processor-level refusal; Message carries its reason.
	KindRejected Kind = "rejected"
	// KindMalformed is an unparseable or incomplete response.
	KindMalformed Kind = "malformed"
	// KindAuthentication is a response whose signature did not verify.
	KindAuthentication Kind = "authentication"
)

// Error is returned by every Client operation.
type Error struct {
	Kind       Kind
	Op         string
	HTTPStatus int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("gmpays %s: %s", e.Op, e.Kind)
	if e.HTTPStatus != 0 {
		msg += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers classify with the shared sentinels in package common.
func (e *Error) Is(target error) bool {
	switch target {
	case common.ErrConfig:
		return e.Kind == KindConfig
	case common.ErrRetryable:
		return e.Kind == KindRetryable
	case common.ErrAuthentication:
		return e.Kind == KindAuthentication
	}
	return false
}

// IsRejected reports whether err is a processor-level refusal.
func IsRejected(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Kind == KindRejected
}

// ProcessorMessage returns the processor's reason carried by err, if any.
func ProcessorMessage(err error) string {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	return ""
}

func newError(kind Kind, op string, status int, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, HTTPStatus: status, Message: message, Err: err}
}
