package mtls

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/polisai/sslman/internal/certstore"
)

// ErrorType categorizes sslman errors.
type ErrorType string

const (
	// Per-profile errors, fatal to the profile that raised them.
	ErrorTypeCertificateLoad ErrorType = "certificate_load"
	ErrorTypeBind            ErrorType = "bind"
	ErrorTypeDial            ErrorType = "dial"

	// Per-connection errors, contained within the accept loop or dial call.
	ErrorTypeHandshakeFailure ErrorType = "handshake_failure"
	ErrorTypeHandshakeTimeout ErrorType = "handshake_timeout"
	ErrorTypeAuthorization    ErrorType = "authorization"

	// Caller errors.
	ErrorTypeNotFound ErrorType = "not_found"
	ErrorTypeShutdown ErrorType = "shutdown"
)

// Authorization failure reasons. These are diagnostic detail for the local
// reporting interface only; a rejected peer sees nothing but a closed
// connection.
const (
	AuthzReasonNotAllowed       = "client_certificate_not_allowed"
	AuthzReasonNoClientCert     = "no_client_certificate"
	AuthzReasonPinMismatch      = "server_certificate_pin_mismatch"
	AuthzReasonHostnameMismatch = "server_hostname_mismatch"
)

// Error is a structured sslman error with type and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", string(e.Type)), e.Message}
	if len(e.Context) > 0 {
		var ctx []string
		for key, value := range e.Context {
			ctx = append(ctx, fmt.Sprintf("%s=%v", key, value))
		}
		parts = append(parts, fmt.Sprintf("context: %s", strings.Join(ctx, ", ")))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}
	return strings.Join(parts, " | ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext attaches a key/value pair to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a structured error of the given type.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

// NewErrorWithCause creates a structured error wrapping an underlying cause.
func NewErrorWithCause(errorType ErrorType, message string, cause error) *Error {
	return &Error{Type: errorType, Message: message, Cause: cause}
}

func NewCertificateLoadError(profile string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeCertificateLoad, "failed to load certificate material", cause).
		WithContext("profile", profile)
}

func NewBindError(profile, address string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeBind, fmt.Sprintf("failed to bind %s", address), cause).
		WithContext("profile", profile).
		WithContext("address", address)
}

func NewDialError(profile, address string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeDial, fmt.Sprintf("failed to dial %s", address), cause).
		WithContext("profile", profile).
		WithContext("address", address)
}

func NewHandshakeFailureError(profile, remoteAddr string, cause error) *Error {
	return NewErrorWithCause(ErrorTypeHandshakeFailure, "TLS handshake failed", cause).
		WithContext("profile", profile).
		WithContext("remote_addr", remoteAddr)
}

func NewHandshakeTimeoutError(profile, remoteAddr string, timeout time.Duration) *Error {
	return NewError(ErrorTypeHandshakeTimeout, "TLS handshake timed out").
		WithContext("profile", profile).
		WithContext("remote_addr", remoteAddr).
		WithContext("timeout", timeout.String())
}

func newAuthorizationError(reason, message string) *Error {
	return NewError(ErrorTypeAuthorization, message).
		WithContext("reason", reason)
}

func NewClientNotAllowedError(profile string, presented certstore.Fingerprint) *Error {
	return newAuthorizationError(AuthzReasonNotAllowed, "client certificate is not on the allow-list").
		WithContext("profile", profile).
		WithContext("presented_fingerprint", presented.String())
}

func NewNoClientCertificateError(profile string) *Error {
	return newAuthorizationError(AuthzReasonNoClientCert, "peer presented no client certificate").
		WithContext("profile", profile)
}

func NewPinMismatchError(profile string, expected, presented certstore.Fingerprint) *Error {
	return newAuthorizationError(AuthzReasonPinMismatch, "server certificate does not match the pinned certificate").
		WithContext("profile", profile).
		WithContext("expected_fingerprint", expected.String()).
		WithContext("presented_fingerprint", presented.String())
}

func NewHostnameMismatchError(profile, hostname string, cause error) *Error {
	err := newAuthorizationError(AuthzReasonHostnameMismatch, "server certificate identity does not include the expected hostname").
		WithContext("profile", profile).
		WithContext("expected_hostname", hostname)
	err.Cause = cause
	return err
}

func NewNotFoundError(role Role, name string) *Error {
	return NewError(ErrorTypeNotFound, fmt.Sprintf("no %s profile named %q is registered", role, name)).
		WithContext("role", string(role)).
		WithContext("name", name)
}

// IsAuthorizationError reports whether err is a per-connection authorization
// failure (allow-list, pin, or hostname).
func IsAuthorizationError(err error) bool {
	return hasType(err, ErrorTypeAuthorization)
}

// IsHandshakeTimeoutError reports whether err is a handshake deadline overrun.
func IsHandshakeTimeoutError(err error) bool {
	return hasType(err, ErrorTypeHandshakeTimeout)
}

// IsNotFoundError reports whether err is a registry miss.
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// AuthorizationReason extracts the authorization failure reason, or "".
func AuthorizationReason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Type == ErrorTypeAuthorization {
		if reason, ok := e.Context["reason"].(string); ok {
			return reason
		}
	}
	return ""
}

func hasType(err error, errorType ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}
