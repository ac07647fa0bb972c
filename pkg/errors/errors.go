package errors

import "fmt"

// ErrorType represents different types of errors that can occur during a scan
type ErrorType string

const (
	ErrorTypeUnsupportedSite ErrorType = "unsupported_site"
	ErrorTypeFetch           ErrorType = "fetch"
	ErrorTypeParse           ErrorType = "parse"
	ErrorTypeProxyExhausted  ErrorType = "proxy_exhausted"
	ErrorTypeCacheCorrupt    ErrorType = "cache_corrupt"
	ErrorTypeNetwork         ErrorType = "network"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeUnknown         ErrorType = "unknown"
)

// Error represents a scan or download error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Type, e.Message)
}

// New creates a typed error without an HTTP status code
func New(t ErrorType, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// NewWithCode creates a typed error carrying an HTTP status code
func NewWithCode(t ErrorType, code int, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...), Code: code}
}

// IsRetryable checks if an error type should be retried
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeRateLimit, ErrorTypeServerError, ErrorTypeProxyExhausted:
		return true
	case ErrorTypeUnsupportedSite, ErrorTypeNotFound, ErrorTypeParse, ErrorTypeCacheCorrupt:
		return false
	default:
		return false
	}
}

// IsRetryableStatusCode checks if an HTTP status code indicates a retryable error
func IsRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case 0: // Network error
		return true
	case 429: // Too Many Requests
		return true
	case 500, 502, 503, 504: // Server errors
		return true
	case 401, 403, 404: // Client errors that won't change
		return false
	default:
		return statusCode >= 500 // Retry all 5xx errors
	}
}

// IsFatal reports whether an error should abort the whole scan rather than
// skip the affected page or asset. Only registry resolution failure
// qualifies; page-level failures are contained by the caller.
func IsFatal(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrorTypeUnsupportedSite
	}
	return false
}
