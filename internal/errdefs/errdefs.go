package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of an update attempt.
type Kind string

const (
	KindUnknown Kind = "unknown"

	// Normal "up to date" outcome, not exceptional.
	KindNoViableCandidate Kind = "no_viable_candidate"

	KindTransfer          Kind = "transfer"
	KindExtraction        Kind = "extraction"
	KindTrustVerification Kind = "trust_verification"
	KindInstall           Kind = "install"
	// Rollback after a failed install did not complete; the install path may be corrupt.
	KindRollback  Kind = "rollback"
	KindTransport Kind = "transport"
	KindBusy      Kind = "busy"
)

var kinds = map[Kind]struct{}{
	KindUnknown:           {},
	KindNoViableCandidate: {},
	KindTransfer:          {},
	KindExtraction:        {},
	KindTrustVerification: {},
	KindInstall:           {},
	KindRollback:          {},
	KindTransport:         {},
	KindBusy:              {},
}

// ParseKind maps a wire value back to a Kind. Unrecognised values become KindUnknown.
func ParseKind(s string) Kind {
	if _, ok := kinds[Kind(s)]; ok {
		return Kind(s)
	}
	return KindUnknown
}

// Error is a kinded error with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + string(e.Kind)
	}
	return string(e.Kind)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kinded error from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Newf creates a kinded error with a formatted message. %w verbs are honoured.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. An err that already carries a kind keeps it.
// Wrap returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindUnknown {
		kind = k
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the error chain and returns the first kind found.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown && e.Kind != "" {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the provided kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinels. Match with errors.Is.
var (
	ErrUpToDate                = &Error{Kind: KindNoViableCandidate, Err: errors.New("already up to date")}
	ErrNoViableAsset           = &Error{Kind: KindNoViableCandidate, Err: errors.New("no viable asset in release")}
	ErrInvalidDownloadedBundle = &Error{Kind: KindInstall, Err: errors.New("invalid downloaded bundle")}
	ErrCodeSigningIdentity     = &Error{Kind: KindTrustVerification, Err: errors.New("code signing identity unavailable")}
	ErrBusy                    = &Error{Kind: KindBusy, Err: errors.New("an update operation is already in flight")}
)

// FromWire rebuilds an error received from a remote reply.
func FromWire(op, kind, message string) error {
	k := ParseKind(kind)
	if message == "" {
		message = "remote operation failed"
	}
	switch k {
	case KindBusy:
		return &Error{Kind: k, Op: op, Err: fmt.Errorf("%w: %s", ErrBusy, message)}
	case KindNoViableCandidate:
		if message == ErrUpToDate.Error() {
			return &Error{Kind: k, Op: op, Err: ErrUpToDate}
		}
		if message == ErrNoViableAsset.Error() {
			return &Error{Kind: k, Op: op, Err: ErrNoViableAsset}
		}
	}
	return &Error{Kind: k, Op: op, Err: errors.New(message)}
}

// Message returns the human readable reason sent over the wire or shown to the user.
// The op prefix is dropped so it is not repeated on the receiving side.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil && e == err {
		return e.Err.Error()
	}
	return err.Error()
}
