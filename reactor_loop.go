package reactor

import (
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/deferio/reactor/internal/fdtable"
	"github.com/deferio/reactor/internal/lock"
	"github.com/deferio/reactor/internal/poller"
	"github.com/deferio/reactor/internal/rerr"
	"github.com/deferio/reactor/internal/rlog"
)

const (
	sweepInterval   = time.Second
	maxPollWait     = time.Second
	shutdownPingPad = 50 * time.Millisecond
)

// Serve runs cfg.Threads reactor-loop goroutines and blocks until every one
// returns, which happens only after Shutdown; poll errors are logged and the
// loop carries on. Each
// goroutine executes spec.md §4.F's six steps every cycle: drain the defer
// queue, compute a poll timeout bounded by the nearest timer, poll, dispatch
// readiness as deferred callbacks, sweep timeouts, and fire due timers.
func (s *Server) Serve() error {
	s.life.Fire(OnStart)

	for i := 0; i < s.cfg.Threads; i++ {
		s.wg.Add(1)
		go s.loop()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) loop() {
	defer s.wg.Done()

	var events []poller.Event
	lastSweep := time.Now()

	for {
		select {
		case <-s.stopped:
			return
		default:
		}

		ran := s.defer_.Perform()

		timeout := s.pollTimeout()
		var err error
		events, err = s.poll.Wait(timeout, events[:0])
		if err != nil {
			rlog.Error("reactor: poll wait", "err", err)
			continue
		}

		for _, ev := range events {
			s.dispatch(ev)
		}

		now := time.Now()
		if now.Sub(lastSweep) >= sweepInterval {
			s.sweepTimeouts(now)
			s.sweepConnectDeadlines(now)
			lastSweep = now
		}
		s.defer_.FireDue(now)

		if ran == 0 && len(events) == 0 {
			s.defer_.Wait(timeout)
		}
	}
}

// pollTimeout bounds the next Wait call by the nearest RunEvery deadline,
// so a scheduled task never fires later than its interval just because the
// poller was otherwise idle (spec.md §4.F step 2).
func (s *Server) pollTimeout() time.Duration {
	deadline, ok := s.defer_.NextDeadline()
	if !ok {
		return maxPollWait
	}
	d := time.Until(deadline)
	if d <= 0 {
		return 0
	}
	if d > maxPollWait {
		return maxPollWait
	}
	return d
}

func (s *Server) dispatch(ev poller.Event) {
	u, ok := s.table.CurrentUUID(ev.FD)
	if !ok {
		s.poll.Remove(ev.FD)
		return
	}

	s.mu.RLock()
	_, listening := s.listeners[u]
	pc, connecting := s.connects[u]
	s.mu.RUnlock()

	switch {
	case listening:
		s.acceptAll(u, ev.FD)
		return
	case connecting:
		s.completeConnect(u, pc, ev)
		return
	}

	slot, ok := s.table.Validate(u)
	if !ok {
		return
	}

	if ev.Events.Has(poller.EventHangup) {
		slot.SetFlag(fdtable.Closing)
	}

	if ev.Events.Has(poller.EventReadable) && !slot.Flag(fdtable.Suspended) {
		s.scheduleOnData(u, slot)
	}
	if ev.Events.Has(poller.EventWritable) {
		s.scheduleOnReady(u, slot)
	}
}

// scheduleOnData arms exactly one deferred on_data callback per readiness
// notification, using ScheduledOnData to dedupe repeat level-triggered
// wakeups until the protocol's task actually runs (spec.md §4.C).
func (s *Server) scheduleOnData(u UUID, slot *fdtable.Slot) {
	if slot.Flag(fdtable.ScheduledOnData) {
		return
	}
	slot.SetFlag(fdtable.ScheduledOnData)
	s.defer_.Defer(func(interface{}, interface{}) {
		s.runOnData(u, slot)
	}, nil, nil)
}

func (s *Server) scheduleOnReady(u UUID, slot *fdtable.Slot) {
	if slot.Flag(fdtable.ScheduledOnReady) {
		return
	}
	slot.SetFlag(fdtable.ScheduledOnReady)
	s.defer_.Defer(func(interface{}, interface{}) {
		s.runOnReady(u, slot)
	}, nil, nil)
}

func (s *Server) runOnData(u UUID, slot *fdtable.Slot) {
	slot.ClearFlag(fdtable.ScheduledOnData)
	if !slot.Lock.TryLock(lock.TASK) {
		// a task is already running for this connection; it will see
		// fresh data on its next read loop, or the next level-triggered
		// wakeup will re-arm us.
		return
	}
	defer slot.Lock.Unlock(lock.TASK)

	if _, ok := s.table.Validate(u); !ok {
		return
	}
	protocol, ok := slot.Protocol().(Protocol)
	if !ok || protocol == nil {
		return
	}
	slot.Touch()
	protocol.OnData(s, u)

	if slot.Flag(fdtable.Closing) && slot.Packets.Len() == 0 {
		s.scheduleForceClose(u)
	}
}

func (s *Server) runOnReady(u UUID, slot *fdtable.Slot) {
	slot.ClearFlag(fdtable.ScheduledOnReady)
	n, err := s.flushSlot(u, slot)
	if err != nil && n < 0 {
		s.scheduleForceClose(u)
		return
	}
	if n > 0 {
		return // still have pending packets; wait for the next writable event
	}

	if slot.Flag(fdtable.Closing) {
		s.scheduleForceClose(u)
		return
	}

	if !slot.Lock.TryLock(lock.WRITE) {
		return
	}
	defer slot.Lock.Unlock(lock.WRITE)
	if protocol, ok := slot.Protocol().(Protocol); ok && protocol != nil {
		protocol.OnReady(s, u)
	}
}

func (s *Server) runPing(u UUID, slot *fdtable.Slot) {
	if !slot.Lock.TryLock(lock.WRITE) {
		return
	}
	defer slot.Lock.Unlock(lock.WRITE)
	if protocol, ok := slot.Protocol().(Protocol); ok && protocol != nil {
		protocol.Ping(s, u)
	}
}

// sweepTimeouts walks currently-active connections for expired inactivity
// budgets. A live set of open UUIDs stands in for the C core's literal
// timeout wheel scan: re-scanning the whole fd table every cycle would cost
// O(MaxFD) regardless of how many connections are actually open.
func (s *Server) sweepTimeouts(now time.Time) {
	s.mu.RLock()
	live := make([]UUID, 0, len(s.active))
	for u := range s.active {
		live = append(live, u)
	}
	s.mu.RUnlock()

	for _, u := range live {
		slot, ok := s.table.Validate(u)
		if !ok {
			continue
		}
		if slot.Expired() {
			s.defer_.Defer(func(interface{}, interface{}) {
				s.runPing(u, slot)
			}, nil, nil)
			slot.Touch()
		}
	}
}

// sweepConnectDeadlines tears down any in-flight Connect that never became
// writable (or failed) before its Timeout, firing OnFail so a black-holed
// host or firewalled port doesn't leak the fd/slot for the life of the
// process.
func (s *Server) sweepConnectDeadlines(now time.Time) {
	s.mu.RLock()
	var expired []UUID
	for u, pc := range s.connects {
		if !pc.deadline.IsZero() && now.After(pc.deadline) {
			expired = append(expired, u)
		}
	}
	s.mu.RUnlock()

	for _, u := range expired {
		s.mu.Lock()
		pc, ok := s.connects[u]
		delete(s.connects, u)
		s.mu.Unlock()
		if !ok {
			continue
		}
		s.doForceClose(u)
		if pc.opts.OnFail != nil {
			pc.opts.OnFail(s, pc.opts.UData, rerr.New(rerr.PollerFailure, "reactor: connect timed out"))
		}
	}
}

// acceptAll drains every pending connection on a listening socket,
// dup'ing+registering each one and binding its Protocol via OnOpen.
func (s *Server) acceptAll(listenerU UUID, fd int) {
	s.mu.RLock()
	ls, ok := s.listeners[listenerU]
	s.mu.RUnlock()
	if !ok {
		return
	}

	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				rlog.Warn("reactor: accept", "err", err)
			}
			return
		}

		cu, err := s.table.Open(nfd, s.hooks, ls.opts.UData)
		if err != nil {
			unix.Close(nfd)
			continue
		}
		if err := s.poll.Add(nfd, poller.Readable); err != nil {
			unix.Close(nfd)
			continue
		}
		if slot, ok := s.table.Validate(cu); ok {
			slot.SetPeerAddr(sockaddrToAddr(sa))
		}

		var protocol Protocol
		if ls.opts.OnOpen != nil {
			protocol = ls.opts.OnOpen(s, cu, ls.opts.UData)
		}
		s.attachProtocol(cu, protocol)
	}
}

func (s *Server) completeConnect(u UUID, pc *pendingConnect, ev poller.Event) {
	s.mu.Lock()
	delete(s.connects, u)
	s.mu.Unlock()

	fd := fdtable.FD(u)
	errno, serr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if serr != nil {
		s.doForceClose(u)
		if pc.opts.OnFail != nil {
			pc.opts.OnFail(s, pc.opts.UData, errors.Wrap(serr, "reactor: getsockopt"))
		}
		return
	}
	if errno != 0 {
		s.doForceClose(u)
		if pc.opts.OnFail != nil {
			pc.opts.OnFail(s, pc.opts.UData, errors.Wrap(unix.Errno(errno), "reactor: connect"))
		}
		return
	}

	if sa, err := unix.Getpeername(fd); err == nil {
		if slot, ok := s.table.Validate(u); ok {
			slot.SetPeerAddr(sockaddrToAddr(sa))
		}
	}

	s.poll.Modify(fd, poller.Readable)

	var protocol Protocol
	if pc.opts.OnConnect != nil {
		protocol = pc.opts.OnConnect(s, u, pc.opts.UData)
	}
	s.attachProtocol(u, protocol)
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), a.Addr[:]...), Port: a.Port}
	default:
		return nil
	}
}

// Shutdown runs the graceful-shutdown sequence spec.md §4.F and §9
// describe: stop accepting new connections, ask every active connection's
// protocol how long it needs via OnShutdown, wait up to the shutdown budget
// for 0..254-bucketed connections to drain, then force-close whatever is
// left (255-bucketed connections last of all).
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopped) })

	s.mu.Lock()
	for u := range s.listeners {
		s.poll.Remove(fdtable.FD(u))
	}
	active := make([]UUID, 0, len(s.active))
	for u := range s.active {
		active = append(active, u)
	}
	s.mu.Unlock()

	type bucket struct {
		u     UUID
		delay time.Duration
		last  bool
	}
	buckets := make([]bucket, 0, len(active))
	for _, u := range active {
		slot, ok := s.table.Validate(u)
		if !ok {
			continue
		}
		protocol, _ := slot.Protocol().(Protocol)
		code := 0
		if protocol != nil {
			code = protocol.OnShutdown(s, u)
		}
		switch {
		case code == 255:
			buckets = append(buckets, bucket{u: u, last: true})
		case code > 0:
			buckets = append(buckets, bucket{u: u, delay: time.Duration(code) * time.Second})
		default:
			buckets = append(buckets, bucket{u: u})
		}
		s.table.MarkClosing(u)
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].delay < buckets[j].delay })

	budget := s.cfg.ShutdownBudget
	deadline := time.Now().Add(budget)

	for _, b := range buckets {
		if b.last {
			continue
		}
		wait := time.Until(deadline)
		if b.delay > 0 && b.delay < wait {
			wait = b.delay
		}
		s.drainOrWait(b.u, wait)
	}
	for _, b := range buckets {
		if !b.last {
			continue
		}
		s.doForceClose(b.u)
	}

	for i := 0; i < s.cfg.Threads; i++ {
		s.poll.Wake()
	}
	s.wg.Wait()

	s.life.Fire(OnFinish)
	s.poll.Close()
	s.defer_.Close()
}

// drainOrWait gives u up to wait for its packet queue to empty (flushing it
// along the way), then force-closes it regardless.
func (s *Server) drainOrWait(u UUID, wait time.Duration) {
	deadline := time.Now().Add(wait)
	for {
		slot, ok := s.table.Validate(u)
		if !ok {
			return
		}
		n, err := s.flushSlot(u, slot)
		if err != nil || n <= 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(shutdownPingPad)
	}
	s.doForceClose(u)
}
