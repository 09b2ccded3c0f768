// Package fdtable implements the core's fixed-size fd table and the
// generation-counter UUID scheme that makes a stale fd reference detectable
// in constant time (spec.md §3-4.A).
package fdtable

import (
	"github.com/deferio/reactor/internal/rerr"
)

// DefaultMaxFD is the compile-time cap spec.md §3 names as the default.
const DefaultMaxFD = 131072

// Table is a fixed-size array of slots indexed by kernel fd. It never
// grows past its configured capacity; opening an fd beyond that range
// fails rather than reallocating underneath concurrent readers.
type Table struct {
	slots []*Slot
}

// New preallocates maxFD slots. maxFD <= 0 uses DefaultMaxFD.
func New(maxFD int) *Table {
	if maxFD <= 0 {
		maxFD = DefaultMaxFD
	}
	t := &Table{slots: make([]*Slot, maxFD)}
	for fd := range t.slots {
		t.slots[fd] = newSlot(fd)
	}
	return t
}

func (t *Table) slotFor(fd int) (*Slot, bool) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, false
	}
	return t.slots[fd], true
}

// Open claims the slot for fd: increments its generation, clears its
// packet queue and locks, and installs hooks. Returns the fresh UUID, or
// an error if fd is outside the table's capacity.
func (t *Table) Open(fd int, hooks Hooks, hookUData interface{}) (UUID, error) {
	slot, ok := t.slotFor(fd)
	if !ok {
		return Invalid, rerr.New(rerr.AllocFail, "fdtable: fd exceeds table capacity")
	}
	return slot.reset(hooks, hookUData), nil
}

// Validate returns the slot for u if its generation still matches the
// live fd slot, or (nil, false) if the UUID is stale or out of range.
// Invariant 1: a mismatching generation rejects all operations and never
// invokes callbacks.
func (t *Table) Validate(u UUID) (*Slot, bool) {
	if u == Invalid {
		return nil, false
	}
	slot, ok := t.slotFor(FD(u))
	if !ok || !slot.matches(u) {
		return nil, false
	}
	return slot, true
}

// CurrentUUID reconstructs the live UUID bound to fd, for reassembling a
// UUID from a bare fd the poller reports. Returns false if fd is out of
// range or currently closed.
func (t *Table) CurrentUUID(fd int) (UUID, bool) {
	slot, ok := t.slotFor(fd)
	if !ok || !slot.Flag(Open) {
		return Invalid, false
	}
	return pack(fd, slot.currentGeneration()), true
}

// Touch resets the inactivity timer for u, if still valid.
func (t *Table) Touch(u UUID) error {
	slot, ok := t.Validate(u)
	if !ok {
		return rerr.New(rerr.InvalidUUID, "fdtable: touch on invalid uuid")
	}
	slot.Touch()
	return nil
}

// SetTimeout sets the inactivity budget for u, if still valid.
func (t *Table) SetTimeout(u UUID, seconds int) error {
	slot, ok := t.Validate(u)
	if !ok {
		return rerr.New(rerr.InvalidUUID, "fdtable: set_timeout on invalid uuid")
	}
	slot.SetTimeout(seconds)
	return nil
}

// Link registers a lifetime-bound destructor for u under key. If u is
// already invalid, onClose fires synchronously and immediately.
func (t *Table) Link(u UUID, key string, obj interface{}, onClose func(interface{})) {
	slot, ok := t.Validate(u)
	if !ok {
		onClose(obj)
		return
	}
	slot.link(key, obj, onClose)
}

// Unlink removes a destructor registered via Link without running it.
func (t *Table) Unlink(u UUID, key string) {
	if slot, ok := t.Validate(u); ok {
		slot.unlink(key)
	}
}

// MarkClosing flags u for cooperative shutdown: pending writes still
// drain, but no new work should be scheduled against it.
func (t *Table) MarkClosing(u UUID) error {
	slot, ok := t.Validate(u)
	if !ok {
		return rerr.New(rerr.InvalidUUID, "fdtable: close on invalid uuid")
	}
	slot.SetFlag(Closing)
	return nil
}

// ForceCloseFunc is a callback over a slot. ForceClose neither takes nor
// invokes one: its only callback is the on_close scheduling function.
type ForceCloseFunc func(slot *Slot)

// ForceClose immediately tears down the connection behind u: runs the
// hook's Close, schedules on_close under the caller-held object lifetime
// lock (the caller passes the scheduling function), drains the packet
// queue (running every Dealloc), runs linked env destructors, and bumps
// the generation a second time so no outstanding UUID for this attachment
// can be mistaken for live. Safe to call on an already-closing slot.
func (t *Table) ForceClose(u UUID, scheduleOnClose func(protocol interface{}, onClose func(interface{}))) error {
	slot, ok := t.Validate(u)
	if !ok {
		return rerr.New(rerr.InvalidUUID, "fdtable: force_close on invalid uuid")
	}

	hooks, udata := slot.Hooks()
	if hooks != nil {
		_ = hooks.Close(u, udata)
	}

	protocol, onClose := slot.takeOnClose()
	slot.Packets.Drain()
	slot.drainEnv()
	slot.invalidate()

	if onClose != nil {
		scheduleOnClose(protocol, onClose)
	}
	return nil
}
