package cluster

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Conn is one parent↔worker pipe pair, framed per spec.md §6. Writes are
// serialized so concurrent Send calls from different goroutines never
// interleave a frame's bytes; reads are expected from a single goroutine
// (the frame stream is ordered FIFO, per spec.md §4.G).
type Conn struct {
	rw  io.ReadWriteCloser
	dec *Decoder

	writeMu sync.Mutex
}

// NewConn wraps rw (an os.Pipe-backed file for forked workers, or a
// net.Pipe-backed connection for in-process workers) as a framed Conn.
func NewConn(rw io.ReadWriteCloser) *Conn {
	return &Conn{rw: rw, dec: NewDecoder(rw)}
}

// Send writes one logical frame, splitting it into continuation frames if
// needed (spec.md §6).
func (c *Conn) Send(typ FrameType, filter int32, isJSON bool, channel string, msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.rw, typ, filter, isJSON, channel, msg)
}

// Recv blocks for the next reassembled logical frame. A clean peer close is
// reported as io.EOF, unwrapped, so callers can compare against it directly.
func (c *Conn) Recv() (*Frame, error) {
	f, err := c.dec.ReadFrame()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, errors.Wrap(err, "cluster: recv")
	}
	return f, nil
}

// Close closes the underlying pipe.
func (c *Conn) Close() error {
	return c.rw.Close()
}
