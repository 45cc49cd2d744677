package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for a response, then the client
	// cannot tell if the request was received.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as a
	// device that has briefly dropped off the vendor cloud.
	Temporary() bool
}

// Vendor status codes carried in the "error" field of a cloud API response envelope.
const (
	CodeOK                  = 0
	CodeBadParameter        = 400
	CodeInvalidAccessToken  = 401
	CodeExpiredAccessToken  = 402
	CodeResourceNotFound    = 405
	CodeAccessRejected      = 406
	CodeAppNotAuthorized    = 407
	CodeRateLimited         = 412
	CodeInternal            = 500
	CodeDeviceOffline       = 4002
	CodeInvalidCredentials  = 10001
	CodeWrongRegion         = 10004
	CodeAccountNotFound     = 10014
	CodeServiceUnavailable  = 30000
	CodeDeviceNotResponding = 30022
)

var (
	// ErrNoSession indicates a command was issued before an authenticated session was available.
	ErrNoSession = NewError("cannot send command before establishing a cloud session", false, false)
	// ErrDeviceOffline indicates the device is known to the cloud but is not currently reachable.
	ErrDeviceOffline = NewError("device unavailable: device is offline", false, true)
	// ErrDeviceNotFound indicates the account has no device with the requested identifier.
	ErrDeviceNotFound = NewError("device not found on account", false, false)
	// ErrSessionExpired indicates the cloud rejected the session's access token. The session must
	// be re-established before further commands succeed.
	ErrSessionExpired = &AuthError{Err: errors.New("cloud session expired or was revoked")}
	// ErrInvalidCredentials indicates the cloud refused to authenticate the account.
	ErrInvalidCredentials = &AuthError{Err: errors.New("cloud rejected account credentials")}
	ErrBadResponse        = errors.New("invalid response")
	ErrRateLimited        = NewError("cloud rate limit exceeded", false, true)
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// AuthError indicates the cloud refused a request because of the session or account credentials.
// Sessions that produce an AuthError should be discarded.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) MayHaveSucceeded() bool {
	return false
}

func (e *AuthError) Temporary() bool {
	return false
}

// APIError represents a non-zero status code in a cloud API response envelope that does not map
// onto one of the package's sentinel errors.
type APIError struct {
	Code    int
	Message string
}

// retriableCodes can sometimes be remedied if the client retries the request later.
var retriableCodes = []int{
	CodeRateLimited,
	CodeInternal,
	CodeDeviceOffline,
	CodeServiceUnavailable,
	CodeDeviceNotResponding,
}

func (e *APIError) MayHaveSucceeded() bool {
	return false
}

func (e *APIError) Temporary() bool {
	for _, code := range retriableCodes {
		if e.Code == code {
			return true
		}
	}
	return false
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloud returned error code %d", e.Code)
	}
	return fmt.Sprintf("cloud returned error code %d: %s", e.Code, e.Message)
}

// GetError translates the status code of a response envelope into an appropriate Error, returning
// nil if the code indicates success.
func GetError(code int, message string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeInvalidAccessToken, CodeExpiredAccessToken:
		return ErrSessionExpired
	case CodeInvalidCredentials, CodeAccountNotFound, CodeAccessRejected:
		return ErrInvalidCredentials
	case CodeResourceNotFound:
		return ErrDeviceNotFound
	case CodeDeviceOffline, CodeDeviceNotResponding:
		return ErrDeviceOffline
	case CodeRateLimited:
		return ErrRateLimited
	}
	return &APIError{Code: code, Message: message}
}

// MayHaveSucceeded returns true if err is an Error that indicates the command may have been
// executed but the client did not receive a confirmation.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is an Error that indicates the command failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry to issue the command that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}

// IsAuthError returns true if err indicates the session or account credentials were rejected.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	return errors.As(err, &authErr)
}
