package packet

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deferio/reactor/internal/rerr"
)

// sinkWriter accumulates every byte written, for asserting flush output.
type sinkWriter struct {
	buf bytes.Buffer
}

func (w *sinkWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *sinkWriter) ReadFrom(r io.ReaderAt, offset, length int64) (int64, error) {
	buf := make([]byte, length)
	n, err := r.ReadAt(buf, offset)
	if n > 0 {
		w.buf.Write(buf[:n])
	}
	if err == io.EOF {
		err = nil
	}
	return int64(n), err
}

// blockingWriter fails the first call with WouldBlock, then succeeds.
type blockingWriter struct {
	blocked bool
	sinkWriter
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	if !w.blocked {
		w.blocked = true
		return 0, rerr.New(rerr.WouldBlock, "test: would block")
	}
	return w.sinkWriter.Write(p)
}

func TestFlushDrainsBufferPackets(t *testing.T) {
	var q Queue
	var released int
	q.Push(&Packet{Buffer: []byte("hello"), Dealloc: func() { released++ }})
	q.Push(&Packet{Buffer: []byte("world"), Dealloc: func() { released++ }})

	w := &sinkWriter{}
	n, err := Flush(&q, w)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "helloworld", w.buf.String())
	assert.Equal(t, 2, released)
	assert.Equal(t, 0, q.Len())
}

func TestFlushStopsOnWouldBlock(t *testing.T) {
	var q Queue
	q.Push(&Packet{Buffer: []byte("abc")})

	w := &blockingWriter{}
	n, err := Flush(&q, w)
	require.NoError(t, err)
	assert.Equal(t, 1, n) // still queued, not drained
	assert.Equal(t, 1, q.Len())
}

func TestFlushFatalErrorDrainsAndReleasesAll(t *testing.T) {
	var q Queue
	var released int
	q.Push(&Packet{Buffer: []byte("a"), Dealloc: func() { released++ }})
	q.Push(&Packet{Buffer: []byte("b"), Dealloc: func() { released++ }})

	fatal := &failWriter{}
	n, err := Flush(&q, fatal)
	assert.Error(t, err)
	assert.Equal(t, -1, n)
	assert.Equal(t, 2, released)
	assert.Equal(t, 0, q.Len())
}

type failWriter struct{}

func (failWriter) Write(p []byte) (int, error) { return 0, assertErr }
func (failWriter) ReadFrom(io.ReaderAt, int64, int64) (int64, error) { return 0, assertErr }

var assertErr = io.ErrClosedPipe

func TestPushUrgentSkipsAheadExceptMidTransmission(t *testing.T) {
	var q Queue
	normal := &Packet{Buffer: []byte("normal")}
	q.Push(normal)
	urgent := &Packet{Buffer: []byte("urgent"), Urgent: true}
	q.Push(urgent)

	assert.Same(t, urgent, q.list.Front().Value.(*Packet))

	// simulate the front packet being mid-transmission: a second urgent
	// packet must not jump ahead of it.
	urgent.written = 1
	second := &Packet{Buffer: []byte("second"), Urgent: true}
	q.Push(second)
	assert.Same(t, urgent, q.list.Front().Value.(*Packet))
}

func TestDealloc_NeverRunsTwice(t *testing.T) {
	count := 0
	p := &Packet{Buffer: []byte("x"), Dealloc: func() { count++ }}
	p.release()
	p.release()
	assert.Equal(t, 1, count)
}
