package model

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrTooBig        = errors.New("file too big")
	ErrUnknownTask   = errors.New("unknown task kind")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ExceptionCode is the OWS exception kind reported to clients.
type ExceptionCode string

const (
	CodeMissingParameterValue    ExceptionCode = "MissingParameterValue"
	CodeInvalidParameterValue    ExceptionCode = "InvalidParameterValue"
	CodeVersionNegotiationFailed ExceptionCode = "VersionNegotiationFailed"
	CodeOperationNotSupported    ExceptionCode = "OperationNotSupported"
	CodeStorageNotSupported      ExceptionCode = "StorageNotSupported"
	CodeFileSizeExceeded         ExceptionCode = "FileSizeExceeded"
	CodeNoApplicableCode         ExceptionCode = "NoApplicableCode"
	CodeProcessException         ExceptionCode = "ProcessException"
	CodeUnknownProcess           ExceptionCode = "UnknownProcessError"
	CodeMaxRequestsExceeded      ExceptionCode = "MaxRequestsExceeded"
	CodeRequestTimeout           ExceptionCode = "RequestTimeoutError"
	CodeNotFound                 ExceptionCode = "NotFound"
	CodeForbidden                ExceptionCode = "Forbidden"
)

// StatusServerBusy is the non standard status returned when the queue is full.
const StatusServerBusy = 509

// Exception is an error carrying an OWS exception code and the HTTP status
// it maps to. It is JSON encodable so it survives the worker boundary.
type Exception struct {
	Code    ExceptionCode `json:"code"`
	Status  int           `json:"status"`
	Message string        `json:"message"`
	Locator string        `json:"locator,omitempty"`
}

func (e *Exception) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Locator)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches exceptions by code so errors.Is(err, &Exception{Code: ...}) works.
func (e *Exception) Is(target error) bool {
	t, ok := target.(*Exception)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newException(code ExceptionCode, status int, locator, format string, args ...any) *Exception {
	return &Exception{
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		Locator: locator,
	}
}

func MissingParameterValue(locator, format string, args ...any) *Exception {
	return newException(CodeMissingParameterValue, http.StatusBadRequest, locator, format, args...)
}

func InvalidParameterValue(locator, format string, args ...any) *Exception {
	return newException(CodeInvalidParameterValue, http.StatusBadRequest, locator, format, args...)
}

func VersionNegotiationFailed(format string, args ...any) *Exception {
	return newException(CodeVersionNegotiationFailed, http.StatusBadRequest, "version", format, args...)
}

func OperationNotSupported(format string, args ...any) *Exception {
	return newException(CodeOperationNotSupported, http.StatusNotImplemented, "request", format, args...)
}

func StorageNotSupported(format string, args ...any) *Exception {
	return newException(CodeStorageNotSupported, http.StatusBadRequest, "", format, args...)
}

func FileSizeExceeded(locator, format string, args ...any) *Exception {
	return newException(CodeFileSizeExceeded, http.StatusBadRequest, locator, format, args...)
}

// NoApplicableCode defaults to 400; status overrides it when non zero.
func NoApplicableCode(status int, format string, args ...any) *Exception {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return newException(CodeNoApplicableCode, status, "", format, args...)
}

func ProcessException(format string, args ...any) *Exception {
	return newException(CodeProcessException, http.StatusFailedDependency, "", format, args...)
}

func UnknownProcess(identifier string) *Exception {
	return newException(CodeUnknownProcess, http.StatusBadRequest, "identifier", "Unknown process %q", identifier)
}

func MaxRequestsExceeded() *Exception {
	return newException(CodeMaxRequestsExceeded, StatusServerBusy, "", "Server busy")
}

func RequestTimeout(format string, args ...any) *Exception {
	return newException(CodeRequestTimeout, http.StatusFailedDependency, "", format, args...)
}

func NotFound(format string, args ...any) *Exception {
	return newException(CodeNotFound, http.StatusNotFound, "", format, args...)
}

func Forbidden(format string, args ...any) *Exception {
	return newException(CodeForbidden, http.StatusForbidden, "", format, args...)
}

// AsException extracts an Exception from err. Anything else is reported as
// an internal error.
func AsException(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return NoApplicableCode(http.StatusInternalServerError, "Internal error")
}
