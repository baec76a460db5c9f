package errors

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the library can surface. Each public
// operation either succeeds or fails with exactly one kind.
type Kind int

const (
	// KindUnknown marks errors that did not originate in this library.
	KindUnknown Kind = iota
	// KindParameter flags a malformed or missing argument, detected before
	// any network activity.
	KindParameter
	// KindConnect covers socket and handshake failures during Connect.
	KindConnect
	// KindAuth means every applicable authentication method was exhausted.
	KindAuth
	// KindNotConnected is the precondition failure for operations that
	// require an active session.
	KindNotConnected
	// KindAlreadyConnected is the precondition failure for operations that
	// forbid an active session.
	KindAlreadyConnected
	// KindChannelTimeout means a channel open did not complete in time.
	KindChannelTimeout
	// KindTimeout means a bounded socket wait expired.
	KindTimeout
	// KindChannelClosed flags use of a channel after it was closed.
	KindChannelClosed
	// KindProtocol wraps any other non-success transport result.
	KindProtocol
	// KindSftpOperation covers filesystem-level SFTP failures.
	KindSftpOperation
	// KindSftpNotFound means the remote object does not exist.
	KindSftpNotFound
	// KindSftpPath flags an invalid remote path or chdir target.
	KindSftpPath
	// KindKeySetup flags a local key file that is missing or unreadable.
	KindKeySetup
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindParameter:        "parameter",
	KindConnect:          "connect",
	KindAuth:             "authentication",
	KindNotConnected:     "not_connected",
	KindAlreadyConnected: "already_connected",
	KindChannelTimeout:   "channel_timeout",
	KindTimeout:          "timeout",
	KindChannelClosed:    "channel_closed",
	KindProtocol:         "protocol",
	KindSftpOperation:    "sftp_operation",
	KindSftpNotFound:     "sftp_not_found",
	KindSftpPath:         "sftp_path",
	KindKeySetup:         "key_setup",
}

// String renders the kind as a stable identifier for logs.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the structured error returned by every package in this module.
// Code carries the underlying implementation's numeric result where one
// exists (transport or SFTP status codes); it is zero otherwise.
type Error struct {
	Kind     Kind
	Code     int
	Message  string
	Internal error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", msg, e.Internal)
	}
	return msg
}

// Unwrap exposes the internal error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message or code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e != nil && e.Kind == t.Kind
}

// WithInternal returns a copy of the error with an attached cause.
func (e *Error) WithInternal(err error) *Error {
	if e == nil {
		return nil
	}
	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Sentinels for errors.Is comparisons. Operations return richer instances
// carrying messages and codes; these match by kind.
var (
	ErrParameter        = &Error{Kind: KindParameter}
	ErrConnect          = &Error{Kind: KindConnect}
	ErrAuth             = &Error{Kind: KindAuth}
	ErrNotConnected     = &Error{Kind: KindNotConnected, Message: "session is not connected"}
	ErrAlreadyConnected = &Error{Kind: KindAlreadyConnected, Message: "session is already connected"}
	ErrChannelTimeout   = &Error{Kind: KindChannelTimeout}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrChannelClosed    = &Error{Kind: KindChannelClosed, Message: "channel is closed"}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrSftpOperation    = &Error{Kind: KindSftpOperation}
	ErrSftpNotFound     = &Error{Kind: KindSftpNotFound}
	ErrSftpPath         = &Error{Kind: KindSftpPath}
	ErrKeySetup         = &Error{Kind: KindKeySetup}
)

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Internal: err}
}

// Protocol builds the uniform translation of a non-success transport
// result: the numeric code and message reported by the implementation.
func Protocol(code int, message string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message, Internal: err}
}

// KindOf reports the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}
