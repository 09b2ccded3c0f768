package reactor

import (
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/deferio/reactor/internal/deferqueue"
	"github.com/deferio/reactor/internal/fdtable"
	"github.com/deferio/reactor/internal/lock"
	"github.com/deferio/reactor/internal/packet"
	"github.com/deferio/reactor/internal/poller"
	"github.com/deferio/reactor/internal/rerr"
)

// Config configures a Server. The runtime has no external configuration
// surface (spec.md §6): every field here is set by the embedding program,
// never read from a file or environment variable.
type Config struct {
	// MaxFD bounds the fd table; 0 uses fdtable.DefaultMaxFD.
	MaxFD int
	// Threads is how many reactor-loop goroutines this worker runs; all
	// of them poll the same poller and drain the same defer queue.
	Threads int
	// ShutdownBudget bounds how long graceful shutdown waits for pending
	// writes to drain before forcing connections closed (spec.md §4.F).
	ShutdownBudget time.Duration
}

// DefaultConfig returns the configuration the teacher's own constructors
// use: sensible defaults with zero required setup.
func DefaultConfig() Config {
	return Config{
		MaxFD:          fdtable.DefaultMaxFD,
		Threads:        1,
		ShutdownBudget: 8 * time.Second,
	}
}

// listenerState is the bookkeeping Server keeps for one listening socket.
type listenerState struct {
	opts ListenOptions
}

// pendingConnect tracks an in-flight non-blocking Connect awaiting
// writability (connect completion) or a timeout.
type pendingConnect struct {
	opts     ConnectOptions
	deadline time.Time
}

// Server ties together the fd table, poller, defer queue and lifecycle
// registry into one worker's reactor (spec.md §4.F). Create with
// NewServer, drive with Serve, stop with Shutdown.
type Server struct {
	cfg Config

	table  *fdtable.Table
	poll   poller.Poller
	defer_ *deferqueue.Queue
	life   *Lifecycle
	hooks  defaultHooks

	mu        sync.RWMutex
	listeners map[UUID]*listenerState
	connects  map[UUID]*pendingConnect
	active    map[UUID]struct{} // every open non-listener connection, for timeout sweeps

	stopped  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer allocates the fd table and poller for one worker. cfg's zero
// value is replaced field-by-field with DefaultConfig's values.
func NewServer(cfg Config) (*Server, error) {
	def := DefaultConfig()
	if cfg.MaxFD <= 0 {
		cfg.MaxFD = def.MaxFD
	}
	if cfg.Threads <= 0 {
		cfg.Threads = def.Threads
	}
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = def.ShutdownBudget
	}

	p, err := poller.New()
	if err != nil {
		return nil, errors.Wrap(err, "reactor: new server")
	}

	return &Server{
		cfg:       cfg,
		table:     fdtable.New(cfg.MaxFD),
		poll:      p,
		defer_:    deferqueue.New(),
		life:      NewLifecycle(),
		listeners: make(map[UUID]*listenerState),
		connects:  make(map[UUID]*pendingConnect),
		active:    make(map[UUID]struct{}),
		stopped:   make(chan struct{}),
	}, nil
}

// Lifecycle returns the registry for this server's state callbacks
// (spec.md §4.I); register handlers before calling Serve.
func (s *Server) Lifecycle() *Lifecycle { return s.life }

// Defer schedules fn(u1, u2) to run on a reactor goroutine, never invoked
// inline from a poller callback (spec.md §4.D).
func (s *Server) Defer(fn func(u1, u2 interface{}), u1, u2 interface{}) bool {
	return s.defer_.Defer(fn, u1, u2)
}

// RunEvery schedules a periodic task; see deferqueue.Queue.RunEvery.
func (s *Server) RunEvery(intervalMs int64, repetitions int, task func(), onFinish func()) *deferqueue.Handle {
	return s.defer_.RunEvery(intervalMs, repetitions, task, onFinish)
}

// ListenOptions configures a listening socket (spec.md §6).
type ListenOptions struct {
	Address string
	UData   interface{}
	// OnOpen is called once per accepted connection to produce the
	// Protocol bound to it.
	OnOpen func(s *Server, u UUID, udata interface{}) Protocol
	// OnStart fires once the listener is registered with the poller.
	OnStart func(s *Server, u UUID)
	// OnFinish fires when the listener is torn down.
	OnFinish func(s *Server, u UUID)
}

// Listen opens a TCP listening socket and registers it with the reactor.
// Returns the listener's UUID, or InvalidUUID on failure.
func (s *Server) Listen(opts ListenOptions) (UUID, error) {
	ln, err := net.Listen("tcp", opts.Address)
	if err != nil {
		return InvalidUUID, errors.Wrap(err, "reactor: listen")
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return InvalidUUID, rerr.New(rerr.PollerFailure, "reactor: listen requires a TCP address")
	}

	fd, err := dupConn(tcpLn)
	ln.Close()
	if err != nil {
		return InvalidUUID, errors.Wrap(err, "reactor: dup listener")
	}

	u, err := s.table.Open(fd, s.hooks, opts.UData)
	if err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}
	if err := s.poll.Add(fd, poller.Readable); err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}

	s.mu.Lock()
	s.listeners[u] = &listenerState{opts: opts}
	s.mu.Unlock()

	if opts.OnStart != nil {
		opts.OnStart(s, u)
	}
	return u, nil
}

// ConnectOptions configures an outbound connection (spec.md §6).
type ConnectOptions struct {
	Address string
	UData   interface{}
	Timeout time.Duration
	// OnConnect is called once the connection completes, to produce the
	// bound Protocol.
	OnConnect func(s *Server, u UUID, udata interface{}) Protocol
	// OnFail is called if the connection could not be established.
	OnFail   func(s *Server, udata interface{}, err error)
	OnFinish func(s *Server, u UUID)
}

// Connect opens a non-blocking outbound TCP connection. The returned UUID
// becomes live only once OnConnect (or OnFail) fires; writes attempted
// before then are queued as with any other connection.
func (s *Server) Connect(opts ConnectOptions) (UUID, error) {
	raddr, err := net.ResolveTCPAddr("tcp", opts.Address)
	if err != nil {
		return InvalidUUID, errors.Wrap(err, "reactor: resolve")
	}

	fd, err := unix.Socket(addrFamily(raddr), unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return InvalidUUID, errors.Wrap(err, "reactor: socket")
	}

	sa := tcpAddrToSockaddr(raddr)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return InvalidUUID, errors.Wrap(err, "reactor: connect")
	}

	u, err := s.table.Open(fd, s.hooks, opts.UData)
	if err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}
	if err := s.poll.Add(fd, poller.Writable); err != nil {
		unix.Close(fd)
		return InvalidUUID, err
	}

	deadline := time.Time{}
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	s.mu.Lock()
	s.connects[u] = &pendingConnect{opts: opts, deadline: deadline}
	s.mu.Unlock()

	return u, nil
}

func addrFamily(a *net.TCPAddr) int {
	if a.IP.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func tcpAddrToSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = a.Port
		copy(sa.Addr[:], ip4)
		return &sa
	}
	var sa unix.SockaddrInet6
	sa.Port = a.Port
	copy(sa.Addr[:], a.IP.To16())
	return &sa
}

// dupConn duplicates the raw fd behind c, setting it non-blocking and
// close-on-exec, so the caller's own close of c never races the reactor's
// use of the duplicate. Adapted from the dup-then-close pattern the
// teacher's handlePending documents (gaio/watcher.go: "as we duplicated
// successfully, we're safe to close the original connection").
func dupConn(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	var dupfd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	if dupErr != nil {
		return -1, dupErr
	}
	unix.CloseOnExec(dupfd)
	if err := unix.SetNonblock(dupfd, true); err != nil {
		unix.Close(dupfd)
		return -1, err
	}
	return dupfd, nil
}

// Read reads directly off u's transport hooks into buf, for a Protocol to
// call from within OnData. Returns ErrInvalidUUID on a stale or closed
// UUID, mirroring Write2's validate-then-call-hooks shape.
func (s *Server) Read(u UUID, buf []byte) (int, error) {
	slot, ok := s.table.Validate(u)
	if !ok {
		return 0, ErrInvalidUUID
	}
	hooks, udata := slot.Hooks()
	if hooks == nil {
		return 0, ErrConnectionClosed
	}
	return hooks.Read(u, udata, buf)
}

// Write2 enqueues p on u's outbound queue, transferring ownership of
// whatever p holds to the queue (spec.md §4.B). On a stale or closing
// UUID, p.Dealloc runs immediately and Write2 returns an error.
func (s *Server) Write2(u UUID, p *Packet) error {
	slot, ok := s.table.Validate(u)
	if !ok {
		releasePacket(p)
		return ErrInvalidUUID
	}
	if slot.Flag(fdtable.Closing) {
		releasePacket(p)
		return ErrConnectionClosed
	}
	slot.Packets.Push(p)
	s.scheduleFlush(u, slot)
	return nil
}

func releasePacket(p *Packet) {
	if p != nil && p.Dealloc != nil {
		p.Dealloc()
	}
}

// Pending reports how many packets are queued for u.
func (s *Server) Pending(u UUID) int {
	slot, ok := s.table.Validate(u)
	if !ok {
		return 0
	}
	return slot.Packets.Len()
}

// Flush attempts to drain u's outbound queue without blocking past the
// first would-block. Returns packets remaining (0 = drained), or -1 on a
// fatal error (spec.md §4.B).
func (s *Server) Flush(u UUID) (int, error) {
	slot, ok := s.table.Validate(u)
	if !ok {
		return -1, ErrInvalidUUID
	}
	return s.flushSlot(u, slot)
}

func (s *Server) flushSlot(u UUID, slot *fdtable.Slot) (int, error) {
	if !slot.Lock.TryLock(lock.WRITE) {
		return slot.Packets.Len(), nil
	}
	defer slot.Lock.Unlock(lock.WRITE)

	hooks, udata := slot.Hooks()
	if hooks == nil {
		return -1, ErrConnectionClosed
	}
	w := hookWriter{u: u, hooks: hooks, udata: udata}
	return packet.Flush(slot.Packets, w)
}

func (s *Server) scheduleFlush(u UUID, slot *fdtable.Slot) {
	s.poll.Modify(fdtable.FD(u), poller.Readable|poller.Writable)
	s.defer_.Defer(func(interface{}, interface{}) {
		n, err := s.flushSlot(u, slot)
		if err != nil && n < 0 {
			s.scheduleForceClose(u)
		}
	}, nil, nil)
}

// Touch resets u's inactivity timeout budget.
func (s *Server) Touch(u UUID) error { return s.table.Touch(u) }

// SetTimeout sets u's inactivity timeout in seconds; 0 disables it.
func (s *Server) SetTimeout(u UUID, seconds int) error { return s.table.SetTimeout(u, seconds) }

// Suspend stops on_data from firing for u until Resume or ForceEvent is
// called (spec.md E6).
func (s *Server) Suspend(u UUID) error {
	slot, ok := s.table.Validate(u)
	if !ok {
		return ErrInvalidUUID
	}
	slot.SetFlag(fdtable.Suspended)
	return nil
}

// Resume re-arms on_data delivery for u.
func (s *Server) Resume(u UUID) error {
	slot, ok := s.table.Validate(u)
	if !ok {
		return ErrInvalidUUID
	}
	slot.ClearFlag(fdtable.Suspended)
	return nil
}

// Event names the callback ForceEvent can synthesize.
type Event int

const (
	EventOnData Event = iota
	EventOnReady
)

// ForceEvent synthesizes a callback for u even if the poller hasn't
// reported (or won't report, while suspended) fresh readiness, per
// spec.md E6: "force_event(uuid, ON_DATA)".
func (s *Server) ForceEvent(u UUID, ev Event) error {
	slot, ok := s.table.Validate(u)
	if !ok {
		return ErrInvalidUUID
	}
	switch ev {
	case EventOnData:
		s.scheduleOnData(u, slot)
	case EventOnReady:
		s.scheduleOnReady(u, slot)
	}
	return nil
}

// Link registers a destructor tied to u's lifetime (spec.md §4.A).
func (s *Server) Link(u UUID, key string, obj interface{}, onClose func(interface{})) {
	s.table.Link(u, key, obj, onClose)
}

// Unlink removes a destructor registered via Link.
func (s *Server) Unlink(u UUID, key string) { s.table.Unlink(u, key) }

// PeerAddr returns the cached remote address for u, or nil.
func (s *Server) PeerAddr(u UUID) net.Addr {
	slot, ok := s.table.Validate(u)
	if !ok {
		return nil
	}
	return slot.PeerAddr()
}

// Close marks u for cooperative shutdown: pending writes still drain, and
// force-close runs once they do (or immediately, if none are pending).
func (s *Server) Close(u UUID) error {
	if err := s.table.MarkClosing(u); err != nil {
		return err
	}
	slot, ok := s.table.Validate(u)
	if !ok {
		return nil
	}
	if slot.Packets.Len() == 0 {
		s.scheduleForceClose(u)
	} else {
		s.scheduleFlush(u, slot)
	}
	return nil
}

// ForceClose tears u down immediately regardless of pending writes.
func (s *Server) ForceClose(u UUID) error {
	return s.doForceClose(u)
}

func (s *Server) scheduleForceClose(u UUID) {
	s.defer_.Defer(func(interface{}, interface{}) {
		_ = s.doForceClose(u)
	}, nil, nil)
}

func (s *Server) doForceClose(u UUID) error {
	fd := fdtable.FD(u)
	s.poll.Remove(fd)

	s.mu.Lock()
	ls := s.listeners[u]
	delete(s.active, u)
	delete(s.listeners, u)
	delete(s.connects, u)
	s.mu.Unlock()

	err := s.table.ForceClose(u, func(protocol interface{}, onClose func(interface{})) {
		s.defer_.Defer(func(interface{}, interface{}) {
			onClose(protocol)
		}, nil, nil)
	})
	if err == nil && ls != nil && ls.opts.OnFinish != nil {
		ls.opts.OnFinish(s, u)
	}
	return err
}

// attachProtocol binds protocol to u (nil protocols leave the connection
// "hijacked"/unattached) and wires its OnClose through the defer queue
// under the object-lifetime discipline spec.md invariant 4 describes.
func (s *Server) attachProtocol(u UUID, protocol Protocol) {
	slot, ok := s.table.Validate(u)
	if !ok {
		return
	}
	var onClose func(interface{})
	if protocol != nil {
		onClose = func(interface{}) { protocol.OnClose(s, u) }
	}
	slot.Attach(protocol, onClose)

	s.mu.Lock()
	s.active[u] = struct{}{}
	s.mu.Unlock()
}
