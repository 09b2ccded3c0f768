package reactor

import (
	"io"

	"golang.org/x/sys/unix"

	"github.com/deferio/reactor/internal/fdtable"
	"github.com/deferio/reactor/internal/rerr"
)

// UUID is the core's 64-bit connection identity (spec.md §3).
type UUID = fdtable.UUID

// InvalidUUID is the sentinel "no connection" identifier.
const InvalidUUID = fdtable.Invalid

// Hooks is the pluggable byte-transport interface (spec.md §6). Default
// hooks wrap raw non-blocking socket syscalls; a TLS layer or test double
// implements the same four methods.
type Hooks = fdtable.Hooks

// defaultHooks wraps raw socket syscalls directly on the duplicated fd,
// grounded on the teacher's tryRead/tryWrite (gaio/watcher.go), which loop
// syscall.Read/Write until EAGAIN or completion.
type defaultHooks struct{}

func (defaultHooks) Read(u UUID, udata interface{}, buf []byte) (int, error) {
	n, err := unix.Read(fdtable.FD(u), buf)
	return classify(n, err)
}

func (defaultHooks) Write(u UUID, udata interface{}, buf []byte) (int, error) {
	n, err := unix.Write(fdtable.FD(u), buf)
	return classify(n, err)
}

func (defaultHooks) Close(u UUID, udata interface{}) error {
	return unix.Close(fdtable.FD(u))
}

func (defaultHooks) Flush(UUID, interface{}) error { return nil }

func classify(n int, err error) (int, error) {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return 0, rerr.New(rerr.WouldBlock, "hooks: would block")
	}
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// hookWriter adapts a slot's Hooks to packet.Writer for the flush loop.
type hookWriter struct {
	u      UUID
	hooks  Hooks
	udata  interface{}
}

func (w hookWriter) Write(buf []byte) (int, error) {
	return w.hooks.Write(w.u, w.udata, buf)
}

// ReadFrom sends length bytes of r starting at offset. When hooks is the
// default (raw fd) implementation and r is an *os.File, it uses
// sendfile(2); otherwise it reads into a bounded chunk buffer and writes
// through the hook, per spec.md §4.B.
func (w hookWriter) ReadFrom(r io.ReaderAt, offset, length int64) (int64, error) {
	if _, ok := w.hooks.(defaultHooks); ok {
		if f, ok := r.(interface{ Fd() uintptr }); ok {
			off := offset
			n, err := unix.Sendfile(fdtable.FD(w.u), int(f.Fd()), &off, int(length))
			return int64(n), classifySendfile(err)
		}
	}

	const chunk = 64 * 1024
	if length > chunk {
		length = chunk
	}
	buf := make([]byte, length)
	n, err := r.ReadAt(buf, offset)
	if n > 0 {
		wn, werr := w.hooks.Write(w.u, w.udata, buf[:n])
		return int64(wn), werr
	}
	if err == io.EOF {
		return 0, io.EOF
	}
	return 0, err
}

func classifySendfile(err error) error {
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return rerr.New(rerr.WouldBlock, "hooks: sendfile would block")
	}
	return err
}
