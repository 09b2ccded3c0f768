package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/deferio/reactor/internal/fdtable"
)

// echoProtocol writes back whatever it reads, via Write2, and calls its
// optional onData hook on a read error and onClose hook on close, so tests
// can synchronize on them.
type echoProtocol struct {
	NopProtocol
	s       *Server
	onData  func(u UUID)
	onClose func(u UUID)
}

func (p *echoProtocol) OnData(s *Server, u UUID) {
	buf := make([]byte, 4096)
	n, err := rawRead(s, u, buf)
	if n > 0 {
		_ = s.Write2(u, NewBufferPacket(append([]byte(nil), buf[:n]...), nil))
	}
	if err != nil && p.onData != nil {
		p.onData(u)
	}
}

func (p *echoProtocol) OnClose(s *Server, u UUID) {
	if p.onClose != nil {
		p.onClose(u)
	}
}

// rawRead reads bytes off the connection exactly as an external Protocol
// implementation would from inside OnData, through the exported Read.
func rawRead(s *Server, u UUID, buf []byte) (int, error) {
	return s.Read(u, buf)
}

func startEchoServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := NewServer(Config{Threads: 1})
	require.NoError(t, err)

	u, err := s.Listen(ListenOptions{
		Address: "127.0.0.1:0",
		OnOpen: func(s *Server, u UUID, udata interface{}) Protocol {
			return &echoProtocol{s: s}
		},
	})
	require.NoError(t, err)

	go s.Serve()
	t.Cleanup(s.Shutdown)

	// Listen binds an ephemeral port; recover the actual address via the fd.
	addr := listenerAddr(t, s, u)
	return s, addr
}

func listenerAddr(t *testing.T, s *Server, u UUID) string {
	t.Helper()
	fd := fdtable.FD(u)
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	a4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return fmt.Sprintf("127.0.0.1:%d", a4.Port)
}

func TestEchoOverLoopbackTCP(t *testing.T) {
	_, addr := startEchoServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello reactor"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello reactor", string(buf[:n]))
}

func TestInvalidUUIDWriteFailsAndDeallocsOnce(t *testing.T) {
	s, err := NewServer(Config{Threads: 1})
	require.NoError(t, err)

	var dealloced int32
	err = s.Write2(InvalidUUID, NewBufferPacket([]byte("x"), func() { atomic.AddInt32(&dealloced, 1) }))
	assert.ErrorIs(t, err, ErrInvalidUUID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dealloced))
}

func TestCloseThenWriteFailsAfterDealloc(t *testing.T) {
	s, addr := startEchoServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	var u UUID
	s.mu.RLock()
	for id := range s.active {
		u = id
	}
	s.mu.RUnlock()
	require.NotEqual(t, InvalidUUID, u)

	require.NoError(t, s.ForceClose(u))
	time.Sleep(20 * time.Millisecond)

	var dealloced int32
	err = s.Write2(u, NewBufferPacket([]byte("x"), func() { atomic.AddInt32(&dealloced, 1) }))
	assert.ErrorIs(t, err, ErrInvalidUUID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dealloced))
}

func TestLifecycleCallbacksFireInReverseRegistrationOrder(t *testing.T) {
	l := NewLifecycle()
	var order []string
	var mu sync.Mutex
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	l.On(OnStart, record("A"))
	l.On(OnStart, record("B"))
	l.On(OnStart, record("C"))

	l.Fire(OnStart)
	assert.Equal(t, []string{"C", "B", "A"}, order)
}

// countingProtocol counts every OnData invocation, regardless of whether
// the read succeeded, so a suspend test can observe calls being withheld
// rather than only read errors.
type countingProtocol struct {
	NopProtocol
	s     *Server
	count *int32
}

func (p *countingProtocol) OnData(s *Server, u UUID) {
	atomic.AddInt32(p.count, 1)
	buf := make([]byte, 4096)
	n, _ := rawRead(s, u, buf)
	if n > 0 {
		_ = s.Write2(u, NewBufferPacket(append([]byte(nil), buf[:n]...), nil))
	}
}

func TestSuspendStopsDataThenResumeOrForceEventRearmsIt(t *testing.T) {
	s, err := NewServer(Config{Threads: 1})
	require.NoError(t, err)

	var onDataCount int32
	var accepted UUID
	var acceptedMu sync.Mutex
	acceptedCh := make(chan struct{})

	u, err := s.Listen(ListenOptions{
		Address: "127.0.0.1:0",
		OnOpen: func(srv *Server, uu UUID, udata interface{}) Protocol {
			acceptedMu.Lock()
			accepted = uu
			acceptedMu.Unlock()
			close(acceptedCh)
			return &countingProtocol{s: srv, count: &onDataCount}
		},
	})
	require.NoError(t, err)
	addr := listenerAddr(t, s, u)

	go s.Serve()
	t.Cleanup(s.Shutdown)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-acceptedCh:
	case <-time.After(time.Second):
		t.Fatal("connection never accepted")
	}
	acceptedMu.Lock()
	target := accepted
	acceptedMu.Unlock()

	require.NoError(t, s.Suspend(target))

	_, err = conn.Write([]byte("while suspended"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&onDataCount), "on_data must not fire while suspended")

	require.NoError(t, s.Resume(target))
	require.NoError(t, s.ForceEvent(target, EventOnData))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&onDataCount) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, atomic.LoadInt32(&onDataCount), int32(0), "on_data must fire after Resume/ForceEvent")
}

func TestConnectTimeoutFiresOnFailAndForceCloses(t *testing.T) {
	s, err := NewServer(Config{Threads: 1})
	require.NoError(t, err)
	go s.Serve()
	t.Cleanup(s.Shutdown)

	// 10.255.255.1 is a non-routable address chosen so the SYN never
	// completes and the connect-deadline sweep, not a real refusal, is
	// what tears the pending connect down.
	failed := make(chan error, 1)
	u, err := s.Connect(ConnectOptions{
		Address: "10.255.255.1:9",
		Timeout: 50 * time.Millisecond,
		OnFail: func(s *Server, udata interface{}, err error) {
			failed <- err
		},
	})
	require.NoError(t, err)
	require.NotEqual(t, InvalidUUID, u)

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("OnFail never fired for an expired connect deadline")
	}

	s.mu.RLock()
	_, stillPending := s.connects[u]
	s.mu.RUnlock()
	assert.False(t, stillPending, "expired pending connect must be removed from s.connects")
}

func TestShutdownDrainsPendingWritesBeforeClosing(t *testing.T) {
	s, addr := startEchoServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)

	var u UUID
	s.mu.RLock()
	for id := range s.active {
		u = id
	}
	s.mu.RUnlock()
	require.NotEqual(t, InvalidUUID, u)

	const total = 10 * 1024 * 1024
	payload := make([]byte, total)
	require.NoError(t, s.Write2(u, NewBufferPacket(payload, nil)))

	go s.Shutdown()

	received := 0
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 64*1024)
	for received < total {
		n, err := conn.Read(buf)
		received += n
		if err != nil {
			break
		}
	}
	assert.Equal(t, total, received)
}
