package task

import "fmt"

// ErrorKind tags a task failure with its place in the error taxonomy.
type ErrorKind string

// Failure taxonomy. Terminal kinds are acknowledged; transient kinds are
// left unacknowledged so the broker redelivers after its visibility
// timeout.
const (
	ErrInvalidTask     ErrorKind = "invalid_task"
	ErrUnsupportedTask ErrorKind = "unsupported_task"
	ErrMissingCookie   ErrorKind = "missing_cookie"
	ErrProvider        ErrorKind = "provider_error"
	ErrHTTP4xx         ErrorKind = "http_error_4xx"
	ErrHTTP5xx         ErrorKind = "http_error_5xx"
	ErrTimeout         ErrorKind = "timeout"
	ErrNetwork         ErrorKind = "network_error"
	ErrProxy           ErrorKind = "proxy_error"
	ErrCancelled       ErrorKind = "cancelled"
	ErrInternal        ErrorKind = "internal_error"
)

// Terminal reports whether the kind is acknowledged rather than
// redelivered.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrInvalidTask, ErrUnsupportedTask, ErrMissingCookie, ErrProvider, ErrHTTP4xx:
		return true
	}
	return false
}

// Failure pairs an ErrorKind with detail for the result envelope.
type Failure struct {
	Kind       ErrorKind
	Detail     string
	StatusCode int
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Failf builds a Failure with a formatted detail message.
func Failf(kind ErrorKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
