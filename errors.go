package reactor

import "github.com/deferio/reactor/internal/rerr"

// Sentinel errors callers can compare against with errors.Is, classifying
// every failure the core's public API can return (spec.md §7).
var (
	ErrInvalidUUID       = rerr.ErrInvalidUUID
	ErrWouldBlock        = rerr.ErrWouldBlock
	ErrConnectionClosed  = rerr.ErrConnectionClosed
	ErrAllocFail         = rerr.ErrAllocFail
	ErrBufferFull        = rerr.ErrBufferFull
	ErrClusterIPCFailure = rerr.ErrClusterIPCFailure
	ErrPollerFailure     = rerr.ErrPollerFailure
	ErrPatternInvalid    = rerr.ErrPatternInvalid
)
