// Package errors provides the coded error type used across the upscaler.
// Every failure a job can report maps to one Code, so callers can tell a
// bad request apart from an unreachable backend or a job that produced
// nothing.
package errors

import (
	"errors"
	"fmt"
	"maps"
	"net/http"
	"runtime"
	"strings"
)

type Code string

const (
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeAcquisition     Code = "ACQUISITION_ERROR"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeBackend         Code = "BACKEND_ERROR"
	CodeTimeout         Code = "TIMEOUT"
	CodeNoOutput        Code = "NO_OUTPUT"
	CodeMaterialization Code = "MATERIALIZATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
)

// statusByCode is the job runner's HTTP mapping. Codes not listed are 500.
var statusByCode = map[Code]int{
	CodeValidation:  http.StatusBadRequest,
	CodeAcquisition: http.StatusBadRequest,
	CodeNotFound:    http.StatusNotFound,
	CodeNoOutput:    http.StatusUnprocessableEntity,
	CodeBackend:     http.StatusBadGateway,
	CodeUnavailable: http.StatusServiceUnavailable,
	CodeTimeout:     http.StatusGatewayTimeout,
}

// maxFrames caps the captured stack.
const maxFrames = 10

// Error carries a Code plus the operation that failed ("comfy.queue_prompt")
// and the cause. Message is the caller-facing part.
type Error struct {
	Code    Code
	Message string
	Op      string
	Err     error
	Fields  map[string]any
	Stack   []Frame
}

type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// Error renders "op: [CODE] message: cause", omitting empty parts.
func (e *Error) Error() string {
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	head := e.Message
	if e.Code != "" {
		head = "[" + string(e.Code) + "] " + e.Message
	}
	parts = append(parts, head)
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any, 1)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) HTTPStatus() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (e *Error) StackTrace() string {
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

// Public returns the message chain shown to a job's caller. Operation
// names, codes and stack frames are left out.
func (e *Error) Public() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + PublicMessage(e.Err)
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(3)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(3)}
}

// Wrap adds context to err. A coded cause keeps its code and a copy of its
// fields; anything else becomes CodeInternal. Wrap(nil) is nil.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		w := wrap(err, inner.Code, op, message)
		w.Fields = maps.Clone(inner.Fields)
		return w
	}
	return wrap(err, CodeInternal, op, message)
}

// WrapWithCode is Wrap with an explicit code. WrapWithCode(nil) is nil.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return wrap(err, code, op, message)
}

func wrap(err error, code Code, op, message string) *Error {
	return &Error{Code: code, Message: message, Op: op, Err: err, Stack: captureStack(4)}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// ValidationField reports a problem with one job input field.
func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// Acquisition wraps a failure to obtain or read the job's input media.
func Acquisition(err error, op string, message string) *Error {
	return WrapWithCode(err, CodeAcquisition, op, message)
}

// Unavailable wraps a failure to reach service within its retry budget.
// err must be non-nil.
func Unavailable(err error, service string) *Error {
	return WrapWithCode(err, CodeUnavailable, "", "service unavailable: "+service).
		WithField("service", service)
}

func Timeout(operation string) *Error {
	return New(CodeTimeout, "operation timed out: "+operation).
		WithField("operation", operation)
}

// NoOutput reports a job that completed without a usable artifact.
func NoOutput(message string) *Error {
	return New(CodeNoOutput, message)
}

func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, resource+" not found: "+id).
		WithField("resource", resource).
		WithField("id", id)
}

// GetCode returns the code of the outermost *Error in err's chain, or
// CodeInternal.
func GetCode(err error) Code {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	if e, ok := asError(err); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func GetFields(err error) map[string]any {
	if e, ok := asError(err); ok {
		return e.Fields
	}
	return nil
}

// PublicMessage returns the caller-facing message for any error.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := asError(err); ok {
		return e.Public()
	}
	return err.Error()
}

func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

func asError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// captureStack records up to maxFrames non-runtime frames, starting skip
// frames above runtime.Callers.
func captureStack(skip int) []Frame {
	pcs := make([]uintptr, 32)
	pcs = pcs[:runtime.Callers(skip, pcs)]

	var stack []Frame
	frames := runtime.CallersFrames(pcs)
	for len(stack) < maxFrames {
		f, more := frames.Next()
		if !strings.Contains(f.File, "runtime/") {
			stack = append(stack, Frame{File: f.File, Line: f.Line, Function: f.Function})
		}
		if !more {
			break
		}
	}
	return stack
}

// As is errors.As, re-exported so callers need one import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is, re-exported so callers need one import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
