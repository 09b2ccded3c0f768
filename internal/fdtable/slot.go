package fdtable

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deferio/reactor/internal/lock"
	"github.com/deferio/reactor/internal/packet"
)

// StateFlag is a bitmask over a slot's runtime state.
type StateFlag uint32

const (
	Open StateFlag = 1 << iota
	Closing
	Suspended
	ScheduledOnData
	ScheduledOnReady
)

// Hooks is the pluggable byte-transport interface bound to a slot. Default
// hooks wrap raw non-blocking socket reads/writes; a TLS layer or test
// double implements the same shape.
type Hooks interface {
	Read(u UUID, udata interface{}, buf []byte) (int, error)
	Write(u UUID, udata interface{}, buf []byte) (int, error)
	Close(u UUID, udata interface{}) error
	Flush(u UUID, udata interface{}) error
}

// envEntry is one lifetime-bound resource attached via Link.
type envEntry struct {
	obj     interface{}
	onClose func(interface{})
}

// Slot is the fixed per-fd runtime record: generation, protocol binding,
// hooks, timeout bookkeeping, outbound queue and the protocol-lock triplet.
// One Slot exists per fd for the lifetime of the table; open() resets it
// in place rather than allocating, so fd reuse never touches the heap.
type Slot struct {
	fd int

	generation uint32 // atomic

	// protocolMu guards protocol/onClose/hooks/hookUData swaps, which are
	// rare (attach once, detach once) compared to the hot read/write path.
	protocolMu sync.RWMutex
	protocol   interface{}
	onClose    func(protocol interface{})
	hooks      Hooks
	hookUData  interface{}

	timeoutSeconds int32 // atomic
	lastActive     int64 // atomic, unix nano

	peerMu   sync.RWMutex
	peerAddr net.Addr

	Packets *packet.Queue
	Lock    lock.Triplet

	stateFlags uint32 // atomic

	envMu sync.Mutex
	env   map[string]envEntry
}

func newSlot(fd int) *Slot {
	return &Slot{fd: fd, Packets: &packet.Queue{}}
}

// reset reinitializes the slot for a fresh open(), incrementing the
// generation so every UUID minted before this call becomes invalid.
func (s *Slot) reset(hooks Hooks, hookUData interface{}) UUID {
	s.Lock.Reset()
	s.Packets.Drain()

	s.protocolMu.Lock()
	s.protocol = nil
	s.onClose = nil
	s.hooks = hooks
	s.hookUData = hookUData
	s.protocolMu.Unlock()

	s.peerMu.Lock()
	s.peerAddr = nil
	s.peerMu.Unlock()

	s.envMu.Lock()
	s.env = nil
	s.envMu.Unlock()

	atomic.StoreInt32(&s.timeoutSeconds, 0)
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
	atomic.StoreUint32(&s.stateFlags, uint32(Open))

	gen := atomic.AddUint32(&s.generation, 1)
	return pack(s.fd, gen)
}

// invalidate bumps the generation a second time on teardown so any UUID
// captured mid-lifetime (including the one just used to close it) reads
// back as stale.
func (s *Slot) invalidate() {
	atomic.AddUint32(&s.generation, 1)
	atomic.StoreUint32(&s.stateFlags, 0)
}

// currentGeneration returns the slot's live generation counter.
func (s *Slot) currentGeneration() uint32 {
	return atomic.LoadUint32(&s.generation)
}

func (s *Slot) matches(u UUID) bool {
	return generationOf(u) == atomic.LoadUint32(&s.generation) &&
		atomic.LoadUint32(&s.stateFlags)&uint32(Open) != 0
}

// Touch records activity, resetting the inactivity timeout budget.
func (s *Slot) Touch() {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
}

func (s *Slot) idleSeconds() int64 {
	last := atomic.LoadInt64(&s.lastActive)
	return int64(time.Since(time.Unix(0, last)).Seconds())
}

// SetTimeout sets the inactivity budget in seconds; 0 disables timeouts.
func (s *Slot) SetTimeout(seconds int) {
	atomic.StoreInt32(&s.timeoutSeconds, int32(seconds))
}

// TimeoutSeconds returns the current inactivity budget.
func (s *Slot) TimeoutSeconds() int {
	return int(atomic.LoadInt32(&s.timeoutSeconds))
}

// Expired reports whether the slot has been idle past its timeout budget.
// A zero budget never expires.
func (s *Slot) Expired() bool {
	budget := s.TimeoutSeconds()
	return budget > 0 && s.idleSeconds() >= int64(budget)
}

// Flag tests whether any bit in mask is set.
func (s *Slot) Flag(mask StateFlag) bool {
	return atomic.LoadUint32(&s.stateFlags)&uint32(mask) != 0
}

// SetFlag sets bits in mask.
func (s *Slot) SetFlag(mask StateFlag) {
	for {
		old := atomic.LoadUint32(&s.stateFlags)
		next := old | uint32(mask)
		if next == old || atomic.CompareAndSwapUint32(&s.stateFlags, old, next) {
			return
		}
	}
}

// ClearFlag clears bits in mask.
func (s *Slot) ClearFlag(mask StateFlag) {
	for {
		old := atomic.LoadUint32(&s.stateFlags)
		next := old &^ uint32(mask)
		if next == old || atomic.CompareAndSwapUint32(&s.stateFlags, old, next) {
			return
		}
	}
}

// Protocol returns the attached protocol object, or nil if unattached
// ("hijacked").
func (s *Slot) Protocol() interface{} {
	s.protocolMu.RLock()
	defer s.protocolMu.RUnlock()
	return s.protocol
}

// Attach binds a protocol object and its on_close destructor to the slot.
// Invariant 2: while TASK or WRITE is held, the binding cannot change.
func (s *Slot) Attach(protocol interface{}, onClose func(interface{})) {
	s.protocolMu.Lock()
	defer s.protocolMu.Unlock()
	s.protocol = protocol
	s.onClose = onClose
}

func (s *Slot) takeOnClose() (interface{}, func(interface{})) {
	s.protocolMu.Lock()
	defer s.protocolMu.Unlock()
	p, fn := s.protocol, s.onClose
	s.protocol, s.onClose = nil, nil
	return p, fn
}

// Hooks returns the current read/write/close/flush hook set.
func (s *Slot) Hooks() (Hooks, interface{}) {
	s.protocolMu.RLock()
	defer s.protocolMu.RUnlock()
	return s.hooks, s.hookUData
}

// SetPeerAddr caches the remote address observed on accept/connect.
func (s *Slot) SetPeerAddr(addr net.Addr) {
	s.peerMu.Lock()
	s.peerAddr = addr
	s.peerMu.Unlock()
}

// PeerAddr returns the cached remote address, or nil if none was recorded.
func (s *Slot) PeerAddr() net.Addr {
	s.peerMu.RLock()
	defer s.peerMu.RUnlock()
	return s.peerAddr
}

// link registers a destructor tied to the slot's lifetime under key, or
// runs onClose immediately if the slot is already closed.
func (s *Slot) link(key string, obj interface{}, onClose func(interface{})) {
	if !s.Flag(Open) {
		onClose(obj)
		return
	}
	s.envMu.Lock()
	if s.env == nil {
		s.env = make(map[string]envEntry)
	}
	s.env[key] = envEntry{obj: obj, onClose: onClose}
	s.envMu.Unlock()
}

func (s *Slot) unlink(key string) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	delete(s.env, key)
}

// drainEnv runs every linked destructor exactly once, in the order
// insertion order is not guaranteed (map), which matches the spec's
// silence on ordering between distinct env keys.
func (s *Slot) drainEnv() {
	s.envMu.Lock()
	entries := s.env
	s.env = nil
	s.envMu.Unlock()

	for _, e := range entries {
		e.onClose(e.obj)
	}
}
