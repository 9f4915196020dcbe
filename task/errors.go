package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a pipeline failure. Every kind maps to the result code
// surfaced on the task record.
type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindTransientNetwork
	KindVendorRejection
	KindProcess
	KindTimeout
	KindCanceled
	KindEmptyResult
	KindResource
	KindInvalidInput
)

// CodeCanceled is the result code of a canceled task.
const CodeCanceled = 499

var kindNames = map[Kind]string{
	KindInternal:         "internal",
	KindConfiguration:    "configuration",
	KindTransientNetwork: "transient_network",
	KindVendorRejection:  "vendor_rejection",
	KindProcess:          "process",
	KindTimeout:          "timeout",
	KindCanceled:         "canceled",
	KindEmptyResult:      "empty_result",
	KindResource:         "resource",
	KindInvalidInput:     "invalid_input",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Code returns the protocol status code for k.
func (k Kind) Code() int {
	switch k {
	case KindTransientNetwork, KindVendorRejection:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return CodeCanceled
	case KindEmptyResult:
		return http.StatusUnprocessableEntity
	case KindResource:
		return http.StatusServiceUnavailable
	case KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ErrCanceled is returned by every stage that observed a cancel request.
var ErrCanceled = errors.New("task canceled by request")

// Error is a classified pipeline error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every KindCanceled error match ErrCanceled.
func (e *Error) Is(target error) bool {
	return target == ErrCanceled && e.Kind == KindCanceled
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, prefixing it with a formatted message.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, ErrCanceled) {
		return KindCanceled
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether err is eligible for a bounded retry.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindProcess:
		return true
	default:
		return false
	}
}
