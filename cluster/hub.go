package cluster

import (
	"sync"

	"github.com/deferio/reactor/internal/rlog"
	"github.com/deferio/reactor/pubsub"
)

// Hub is the parent-side mirror subscription table and fan-out point
// (spec.md §4.G). It fans FramePublish frames out to matching sibling
// workers; FramePublishRoot frames (EngineRoot) instead go exclusively to
// the parent's own registry via rootReg, never back out to any worker.
type Hub struct {
	mu      sync.Mutex
	workers map[int]*Conn
	exact   map[string]map[int]struct{}
	pattern map[string]map[int]struct{}
	rootReg *pubsub.Registry
}

// NewHub creates an empty mirror table with no workers attached.
func NewHub() *Hub {
	return &Hub{
		workers: make(map[int]*Conn),
		exact:   make(map[string]map[int]struct{}),
		pattern: make(map[string]map[int]struct{}),
	}
}

// SetRootRegistry wires reg as the target for EngineRoot publications
// (FramePublishRoot frames). Without it, such frames are dropped with a
// warning: there is nowhere in-process to deliver them.
func (h *Hub) SetRootRegistry(reg *pubsub.Registry) {
	h.mu.Lock()
	h.rootReg = reg
	h.mu.Unlock()
}

// AddWorker attaches a worker's connection under id, replacing any prior
// connection registered for that id (e.g. after a crash respawn).
func (h *Hub) AddWorker(id int, conn *Conn) {
	h.mu.Lock()
	h.workers[id] = conn
	h.mu.Unlock()
}

// RemoveWorker detaches a worker and scrubs its mirrored subscriptions.
func (h *Hub) RemoveWorker(id int) {
	h.mu.Lock()
	delete(h.workers, id)
	for ch, ids := range h.exact {
		delete(ids, id)
		if len(ids) == 0 {
			delete(h.exact, ch)
		}
	}
	for p, ids := range h.pattern {
		delete(ids, id)
		if len(ids) == 0 {
			delete(h.pattern, p)
		}
	}
	h.mu.Unlock()
}

// HandleFrame applies an inbound frame from workerID to the mirror table,
// or fans a publish out to every other worker whose mirrored subscriptions
// match it.
func (h *Hub) HandleFrame(workerID int, f *Frame) {
	switch f.Type {
	case FrameSubscribe:
		h.mu.Lock()
		h.addMirror(h.exact, f.Channel, workerID)
		h.mu.Unlock()
	case FrameUnsubscribe:
		h.mu.Lock()
		h.removeMirror(h.exact, f.Channel, workerID)
		h.mu.Unlock()
	case FramePSubscribe:
		h.mu.Lock()
		h.addMirror(h.pattern, f.Channel, workerID)
		h.mu.Unlock()
	case FramePUnsubscribe:
		h.mu.Lock()
		h.removeMirror(h.pattern, f.Channel, workerID)
		h.mu.Unlock()
	case FramePublish:
		h.fanOut(workerID, f)
	case FramePublishRoot:
		h.deliverToRoot(f)
	case FramePing:
		// keepalive only
	}
}

// deliverToRoot applies f to the parent's own registry only (spec.md §4.H,
// "If engine == ROOT: only the parent"); it is never fanned out to any
// worker.
func (h *Hub) deliverToRoot(f *Frame) {
	h.mu.Lock()
	reg := h.rootReg
	h.mu.Unlock()

	if reg == nil {
		rlog.Warn("cluster: root publish dropped, no root registry wired", "channel", f.Channel)
		return
	}
	if err := reg.Publish(pubsub.PublishOptions{
		Channel: f.Channel,
		Payload: f.Msg,
		IsJSON:  f.IsJSON,
		Filter:  f.Filter,
		Engine:  pubsub.EngineProcess,
	}); err != nil {
		rlog.Warn("cluster: root publish failed", "err", err)
	}
}

func (h *Hub) addMirror(table map[string]map[int]struct{}, key string, workerID int) {
	ids, ok := table[key]
	if !ok {
		ids = make(map[int]struct{})
		table[key] = ids
	}
	ids[workerID] = struct{}{}
}

func (h *Hub) removeMirror(table map[string]map[int]struct{}, key string, workerID int) {
	ids, ok := table[key]
	if !ok {
		return
	}
	delete(ids, workerID)
	if len(ids) == 0 {
		delete(table, key)
	}
}

func (h *Hub) fanOut(fromWorker int, f *Frame) {
	h.mu.Lock()
	targets := make(map[int]struct{})
	for id := range h.exact[f.Channel] {
		if id != fromWorker {
			targets[id] = struct{}{}
		}
	}
	for p, ids := range h.pattern {
		if !pubsub.DefaultMatch(p, f.Channel) {
			continue
		}
		for id := range ids {
			if id != fromWorker {
				targets[id] = struct{}{}
			}
		}
	}
	conns := make([]*Conn, 0, len(targets))
	for id := range targets {
		if c, ok := h.workers[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(FramePublish, f.Filter, f.IsJSON, f.Channel, f.Msg); err != nil {
			rlog.Warn("cluster: fan-out send failed", "err", err)
		}
	}
}

// Broadcast sends typ to every attached worker, e.g. FrameShutdown or
// FramePing (spec.md §4.F shutdown sequence, §4.G ping frame type).
func (h *Hub) Broadcast(typ FrameType) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.workers))
	for _, c := range h.workers {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(typ, 0, false, "", nil); err != nil {
			rlog.Warn("cluster: broadcast failed", "err", err)
		}
	}
}
