// Package errext contains the error kinds periscope reports across its
// boundaries, plus helpers for attaching kinds and hints to errors.
package errext

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable error code. Kinds cross the HTTP boundary verbatim, so
// they must not be renamed once released.
type Kind string

// The full set of error kinds.
const (
	KindAuth                  Kind = "auth"
	KindAuthEncryptedKey      Kind = "auth/encrypted-key-needs-passphrase"
	KindTransportNotConnected Kind = "transport/not-connected"
	KindConnection            Kind = "connection"
	KindTimeout               Kind = "timeout"
	KindExec                  Kind = "exec"
	KindPortForward           Kind = "port-forward"
	KindBrowserNotFound       Kind = "browser/not-found"
	KindBrowserLaunchFailed   Kind = "browser/launch-failed"
	KindBrowserLaunchTimeout  Kind = "browser/launch-timeout"
	KindCDPTransportClosed    Kind = "cdp/transport-closed"
	KindCDPTimeout            Kind = "cdp/timeout"
	KindCDPProtocol           Kind = "cdp/protocol"
	KindCDPNoTarget           Kind = "cdp/no-target"
	KindPageNavFailed         Kind = "page/nav-failed"
	KindPageNavTimeout        Kind = "page/nav-timeout"
	KindPageEvalFailed        Kind = "page/eval-failed"
	KindConfigInvalid         Kind = "config/invalid"
	KindConfigIO              Kind = "config/io"
	KindValidation            Kind = "validation"
	KindSessionStartFailed    Kind = "session/start-failed"
	KindSessionAlreadyActive  Kind = "session/already-active"
	KindSessionNotActive      Kind = "session/not-active"
	KindNotFound              Kind = "not-found"
)

// HTTPStatus returns the status code an HTTP handler should respond with
// when an error of this kind reaches the boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindSessionAlreadyActive, KindSessionNotActive:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// HasKind is a wrapper around an error with an attached kind.
type HasKind interface {
	error
	Kind() Kind
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// WithKind attaches a kind to the given error, replacing any kind the error
// already carries. It won't do anything if the given error is nil.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// WithKindIfNone attaches a kind to the given error, if it doesn't have one
// already. It won't do anything if the error already had a kind attached.
// Similarly, if there is no error (i.e. the given error is nil), it also
// won't do anything.
func WithKindIfNone(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	var kerr HasKind
	if errors.As(err, &kerr) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the kind attached to the given error, unwrapping as
// needed. Errors with no kind report KindConnection when they come from the
// network and nothing better is known, but KindOf itself returns the empty
// Kind for them.
func KindOf(err error) Kind {
	var kerr HasKind
	if errors.As(err, &kerr) {
		return kerr.Kind()
	}
	return ""
}

// IsKind reports whether the error carries exactly the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }

func (e *kindError) Unwrap() error { return e.err }

func (e *kindError) Kind() Kind { return e.kind }

var _ HasKind = &kindError{}
