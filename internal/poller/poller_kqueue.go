//go:build darwin || freebsd || dragonfly || netbsd || openbsd

package poller

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin readiness source, grounded on the kqueue
// wiring in trpc-group/tnet's poller_kqueue.go (EVFILT_READ/WRITE per fd,
// EVFILT_USER for cross-goroutine wakeup). Level-triggered, for the same
// reason the epoll poller is: see poller_linux.go.
type kqueuePoller struct {
	kq int
}

// New creates a kqueue-backed Poller.
func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errors.Wrap(err, "poller: kqueue")
	}
	if _, err := unix.FcntlInt(uintptr(kq), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(kq)
		return nil, errors.Wrap(err, "poller: fcntl cloexec")
	}

	p := &kqueuePoller{kq: kq}

	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		unix.Close(kq)
		return nil, errors.Wrap(err, "poller: register wake event")
	}

	return p, nil
}

func (p *kqueuePoller) changeFD(fd int, mode Mode, flags uint16) error {
	var changes []unix.Kevent_t
	if mode&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if mode&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err != nil {
		return errors.Wrap(err, "poller: kevent")
	}
	return nil
}

func (p *kqueuePoller) Add(fd int, mode Mode) error {
	return p.changeFD(fd, mode, unix.EV_ADD)
}

func (p *kqueuePoller) Modify(fd int, mode Mode) error {
	// withdraw both filters then re-add only the requested ones; kqueue
	// has no single "modify" op the way epoll does.
	_, _ = unix.Kevent(p.kq, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}, nil, nil)
	return p.Add(fd, mode)
}

func (p *kqueuePoller) Remove(fd int) error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}, nil, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "poller: kevent delete")
	}
	return nil
}

func (p *kqueuePoller) Wait(timeout time.Duration, dst []Event) ([]Event, error) {
	// a zero timespec polls without blocking; a nil one would block forever.
	var ts unix.Timespec
	if timeout > 0 {
		ts = unix.NsecToTimespec(int64(timeout))
	}

	var buf [256]unix.Kevent_t
	n, err := unix.Kevent(p.kq, nil, buf[:], &ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, errors.Wrap(err, "poller: kevent wait")
	}

	for i := 0; i < n; i++ {
		ev := buf[i]
		if ev.Filter == unix.EVFILT_USER {
			continue
		}
		fd := int(ev.Ident)
		var flags Events
		if ev.Filter == unix.EVFILT_READ {
			flags |= EventReadable
		}
		if ev.Filter == unix.EVFILT_WRITE {
			flags |= EventWritable
		}
		if ev.Flags&unix.EV_EOF != 0 || ev.Flags&unix.EV_ERROR != 0 {
			flags |= EventHangup
		}
		dst = append(dst, Event{FD: fd, Events: flags})
	}
	return dst, nil
}

func (p *kqueuePoller) Wake() error {
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}}, nil, nil)
	if err != nil {
		return errors.Wrap(err, "poller: trigger wake")
	}
	return nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
