package internal

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Standard server error codes.
const (
	CodeForbidden     = "M_FORBIDDEN"
	CodeUnknownToken  = "M_UNKNOWN_TOKEN"
	CodeNotFound      = "M_NOT_FOUND"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeUnknown       = "M_UNKNOWN"
	CodeInvalidParam  = "M_INVALID_PARAM"
	CodeMissingParam  = "M_MISSING_PARAM"
	CodeRoomInUse     = "M_ROOM_IN_USE"
)

// TransportError means the request never produced an HTTP response:
// unreachable host, timeout, cancelled context.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx response from the server. Body is the verbatim
// response body; Code and Message are extracted from it when the body is the
// standard {"errcode","error"} shape.
type ProtocolError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d : %s : %s", e.StatusCode, e.Code, e.Message)
	}
	if len(e.Body) > 0 {
		return fmt.Sprintf("HTTP %d : %s", e.StatusCode, string(e.Body))
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// NewProtocolError builds a ProtocolError from a response, pulling errcode
// and error out of the body if present.
func NewProtocolError(statusCode int, body []byte) *ProtocolError {
	parsed := gjson.ParseBytes(body)
	return &ProtocolError{
		StatusCode: statusCode,
		Code:       parsed.Get("errcode").Str,
		Message:    parsed.Get("error").Str,
		Body:       body,
	}
}

// IsProtocolCode reports whether err is a ProtocolError with the given
// server error code.
func IsProtocolCode(err error, code string) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// DecodeError means the server returned a 2xx whose body did not have the
// expected shape.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.What, e.Err.Error())
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StateError means the operation was attempted against a session in a state
// which cannot serve it (disconnected, disposed, missing identifiers).
type StateError struct {
	Op     string
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and FEDCLIENT_DEBUG=1 then the program panics.
// If expr is false and FEDCLIENT_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program, and shouldn't be used to log a normal error e.g network errors.
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("FEDCLIENT_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
