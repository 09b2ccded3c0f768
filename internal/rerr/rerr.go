// Package rerr defines the core's error kinds and the pkg/errors-based
// wrapping convention used across every component, grounded on the
// errors.Wrap/errors.New usage in xtaci/kcp-go's sess.go and
// trpc-group/tnet's poller_kqueue.go.
package rerr

import "github.com/pkg/errors"

// Kind is one of the error classes spec.md §7 requires callers to be able
// to inspect, analogous to an errno-equivalent.
type Kind int

const (
	_ Kind = iota
	InvalidUUID
	WouldBlock
	ConnectionClosed
	AllocFail
	BufferFull
	ClusterIPCFailure
	PollerFailure
	PatternInvalid
)

func (k Kind) String() string {
	switch k {
	case InvalidUUID:
		return "invalid uuid"
	case WouldBlock:
		return "would block"
	case ConnectionClosed:
		return "connection closed"
	case AllocFail:
		return "allocation failure"
	case BufferFull:
		return "buffer full"
	case ClusterIPCFailure:
		return "cluster ipc failure"
	case PollerFailure:
		return "poller failure"
	case PatternInvalid:
		return "invalid pattern"
	default:
		return "unknown"
	}
}

// kindError is a sentinel carrying a Kind, wrapped by errors.Wrap at each
// call site that wants to add context without losing classification.
type kindError struct {
	kind Kind
}

func (e *kindError) Error() string { return e.kind.String() }

// Is reports whether target is a kindError of the same Kind, so
// errors.Is(err, ErrInvalidUUID) matches any error produced through New
// with that Kind, not just the exact sentinel pointer.
func (e *kindError) Is(target error) bool {
	ke, ok := target.(*kindError)
	return ok && ke.kind == e.kind
}

// Sentinel errors usable with errors.Is after wrapping with errors.Wrap.
var (
	ErrInvalidUUID       = &kindError{InvalidUUID}
	ErrWouldBlock        = &kindError{WouldBlock}
	ErrConnectionClosed  = &kindError{ConnectionClosed}
	ErrAllocFail         = &kindError{AllocFail}
	ErrBufferFull        = &kindError{BufferFull}
	ErrClusterIPCFailure = &kindError{ClusterIPCFailure}
	ErrPollerFailure     = &kindError{PollerFailure}
	ErrPatternInvalid    = &kindError{PatternInvalid}
)

// New builds a kind-classified error with context, ready to be
// further wrapped by callers with errors.Wrap.
func New(kind Kind, msg string) error {
	return errors.Wrap(&kindError{kind}, msg)
}

// Code unwraps err down to its Kind, returning 0 if err was never produced
// through this package.
func Code(err error) Kind {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind
		}
		err = errors.Unwrap(err)
	}
	return 0
}

// Is reports whether err classifies as kind, looking through any chain of
// errors.Wrap calls.
func Is(err error, kind Kind) bool {
	return Code(err) == kind
}
