package daemon

import (
	stderrors "errors"
	"fmt"
)

// ErrorKind classifies daemon failures into the buckets the filesystem
// layers map onto kernel errnos.
type ErrorKind int

const (
	// KindTransient covers connection failures, 5xx responses and
	// rate-limited responses. Safe for the caller to retry.
	KindTransient ErrorKind = iota

	// KindNotFound means the torrent or file does not exist on the daemon.
	KindNotFound

	// KindProtocol means the daemon answered with an unexpected status or
	// an unparseable body.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindProtocol:
		return "protocol"
	}
	return "unknown"
}

// Error is the typed failure returned by all Client calls.
type Error struct {
	Kind ErrorKind
	Op   string // method and URL path that failed
	Err  error  // underlying cause, may be nil for bare status errors
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("daemon: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("daemon: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func kindOf(err error) (ErrorKind, bool) {
	var de *Error
	if stderrors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// IsNotFound reports whether err is a daemon not-found failure.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsTransient reports whether err is a retryable daemon failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsProtocol reports whether err is a daemon protocol violation.
func IsProtocol(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindProtocol
}
