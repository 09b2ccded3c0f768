// Package packet implements the per-fd outbound packet queue: a FIFO of
// pending write operations over either an in-memory buffer or a file
// descriptor range, each carrying a deallocator that runs exactly once.
//
// Modeled on the FIFO-per-descriptor bookkeeping in the teacher's
// fdDesc.readers/writers (container/list.List per fd) and its
// exactly-once resource release discipline.
package packet

import (
	"container/list"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/deferio/reactor/internal/rerr"
)

// Packet is one outbound unit: either an in-memory buffer or a range of an
// open file, tagged so the writer loop can pick the right transmit path.
type Packet struct {
	// Buffer holds the bytes to send when File is nil.
	Buffer []byte
	// File, when non-nil, is sent via sendfile-equivalent semantics
	// starting at FileOffset for FileLength bytes.
	File       io.ReaderAt
	FileOffset int64
	FileLength int64

	// Urgent packets are inserted at the head of the queue, but never
	// ahead of a packet currently mid-transmission.
	Urgent bool

	// Dealloc runs exactly once: on successful full send, on abandonment
	// (connection closed mid-send), or on slot teardown. Nil is allowed
	// for packets that own no external resource.
	Dealloc func()

	written int64 // bytes already transmitted, for resuming partial sends
}

// remaining returns bytes left to send for this packet.
func (p *Packet) remaining() int64 {
	if p.File != nil {
		return p.FileLength - p.written
	}
	return int64(len(p.Buffer)) - p.written
}

func (p *Packet) done() bool {
	return p.remaining() <= 0
}

// release runs Dealloc exactly once; safe to call multiple times.
func (p *Packet) release() {
	if p.Dealloc != nil {
		d := p.Dealloc
		p.Dealloc = nil
		d()
	}
}

// Queue is a per-fd FIFO of pending packets, guarded by its own mutex so
// Pending() can be read without forcing the caller to hold the slot's
// WRITE lock (only Flush needs that discipline, enforced by its caller).
type Queue struct {
	mu   sync.Mutex
	list list.List
}

// Push enqueues p, honoring the Urgent head-of-queue rule: urgent packets
// skip ahead of everything except the packet currently being transmitted
// (the list's Front, once transmission has started on it).
func (q *Queue) Push(p *Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !p.Urgent || q.list.Len() == 0 {
		q.list.PushBack(p)
		return
	}

	front := q.list.Front()
	if front.Value.(*Packet).written > 0 {
		// front is mid-transmission; urgent goes right after it.
		q.list.InsertAfter(p, front)
		return
	}
	q.list.PushFront(p)
}

// Len reports the number of packets currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// Drain removes and releases (via Dealloc) every queued packet, used on
// slot teardown to guarantee invariant 3: a packet is owned by the slot
// until sent or torn down, and Dealloc runs either way.
func (q *Queue) Drain() {
	q.mu.Lock()
	var pending []*Packet
	for e := q.list.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*Packet))
	}
	q.list.Init()
	q.mu.Unlock()

	for _, p := range pending {
		p.release()
	}
}

// Writer abstracts the byte-transport hook a packet is flushed through.
// Default hooks wrap raw socket writes; pluggable hooks (e.g. a TLS or
// test-double layer) implement the same shape.
type Writer interface {
	Write(buf []byte) (n int, err error)
	ReadFrom(r io.ReaderAt, offset, length int64) (n int64, err error)
}

// Flush attempts to drain the queue through w without blocking past the
// first would-block. Returns the number of packets still pending (0 means
// fully drained), or -1 on a fatal, non-retryable error.
func Flush(q *Queue, w Writer) (int, error) {
	for {
		q.mu.Lock()
		front := q.list.Front()
		if front == nil {
			q.mu.Unlock()
			return 0, nil
		}
		p := front.Value.(*Packet)
		q.mu.Unlock()

		if p.done() {
			q.mu.Lock()
			q.list.Remove(front)
			q.mu.Unlock()
			p.release()
			continue
		}

		var n int64
		var err error
		if p.File != nil {
			var nn int64
			nn, err = w.ReadFrom(p.File, p.FileOffset+p.written, p.remaining())
			n = nn
		} else {
			var nn int
			nn, err = w.Write(p.Buffer[p.written:])
			n = int64(nn)
		}
		p.written += n

		if err != nil {
			if rerr.Is(err, rerr.WouldBlock) {
				return q.Len(), nil
			}
			// fatal: abandon the whole queue, each packet still gets
			// its Dealloc exactly once.
			q.Drain()
			return -1, errors.Wrap(err, "packet: flush")
		}

		if p.done() {
			q.mu.Lock()
			q.list.Remove(front)
			q.mu.Unlock()
			p.release()
		} else {
			// partial write on a non-blocking fd without EAGAIN
			// (short write); stop here, caller re-polls writable.
			return q.Len(), nil
		}
	}
}
