package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/deferio/reactor/internal/deferqueue"
	"github.com/deferio/reactor/internal/rerr"
)

// Handler is a subscription's on_message callback. It receives a Delivery
// wrapping the message, not the message directly, so it can call Defer to
// re-queue itself (spec.md §4.H, message_defer) without reaching back into
// the registry's internals.
type Handler func(d *Delivery)

// MetadataFunc is invoked once per publication, before delivery, and may
// attach a typed record to the message via Delivery-independent access
// (through the Message itself, passed here directly).
type MetadataFunc func(msg *Message)

// Subscription is one registered (channel-or-pattern, handler) pair.
// Subscribing to the same channel/handler/udata twice creates independent
// subscriptions; there is no dedup (spec.md §7).
type Subscription struct {
	id      string
	channel string
	pattern string
	filter  int32
	matchFn MatchFunc
	handler Handler
	udata   interface{}

	cancelled int32 // atomic
}

// ID is this subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Channel returns the exact channel this subscription matches, or "" for a
// pattern or filter subscription.
func (s *Subscription) Channel() string { return s.channel }

// Pattern returns the glob pattern this subscription matches, or "" for an
// exact or filter subscription.
func (s *Subscription) Pattern() string { return s.pattern }

// Filter returns the integer filter this subscription matches, or 0.
func (s *Subscription) Filter() int32 { return s.filter }

// Cancel marks the subscription dead; in-flight deliveries still check this
// flag before invoking the handler (spec.md §4.H).
func (s *Subscription) Cancel() { atomic.StoreInt32(&s.cancelled, 1) }

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool { return atomic.LoadInt32(&s.cancelled) == 1 }

// Delivery carries one scheduled (subscription, message) pair into a
// Handler invocation.
type Delivery struct {
	Msg *Message
	Sub *Subscription
	reg *Registry
}

// UData returns the opaque value passed at subscribe time.
func (d *Delivery) UData() interface{} { return d.Sub.udata }

// Defer re-queues this exact delivery (spec.md §4.H, message_defer),
// resetting the delivery attempt without counting against any retry
// budget. Safe to call any number of times from within the handler.
func (d *Delivery) Defer() {
	d.Msg.retain()
	d.reg.defer_.Defer(func(interface{}, interface{}) {
		d.reg.runDelivery(d.Sub, d.Msg)
	}, nil, nil)
}

// PublishOptions describes one publication (spec.md §4.H).
type PublishOptions struct {
	Channel string
	Payload []byte
	IsJSON  bool
	// Filter, when non-zero, bypasses channel/pattern matching entirely
	// and routes to subscriptions registered with the same Filter. Such
	// subscriptions are always process-local, regardless of Engine.
	Filter int32
	Engine EngineKind
	// EngineName selects the registered Engine when Engine == EngineCustom.
	EngineName string
}

// Registry is one process's channel/pattern subscription table, guarded by
// its own lock (spec.md §5: "guarded by a dedicated registry lock").
// Subscribe/unsubscribe hooks registered by an Engine must never call back
// into the registry synchronously; Registry itself only ever touches
// subscriptions under its own lock or via the defer queue, never from
// inside a Handler invocation.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string][]*Subscription
	patterns []*Subscription
	filters  map[int32][]*Subscription

	engines      map[string]Engine
	metadataFns  []MetadataFunc
	forwarder    Forwarder

	// OnSubscribe/OnUnsubscribe, when set, are called after a
	// subscribe/pattern-subscribe or unsubscribe completes, so a cluster
	// bridge can keep the parent's mirror subscription table (spec.md
	// §4.G) in sync. Never called under the registry lock.
	OnSubscribe     func(sub *Subscription)
	OnPUnsubscribe  func(sub *Subscription)
	OnUnsubscribe   func(sub *Subscription)
	OnPSubscribe    func(sub *Subscription)

	defer_ *deferqueue.Queue
}

// NewRegistry creates an empty registry that schedules deliveries through q.
func NewRegistry(q *deferqueue.Queue) *Registry {
	return &Registry{
		exact:   make(map[string][]*Subscription),
		filters: make(map[int32][]*Subscription),
		engines: make(map[string]Engine),
		defer_:  q,
	}
}

// SetForwarder installs the cluster-facing forwarder used for
// EngineCluster/EngineRoot/EngineSiblings publications.
func (r *Registry) SetForwarder(f Forwarder) {
	r.mu.Lock()
	r.forwarder = f
	r.mu.Unlock()
}

// RegisterEngine adds a custom delivery engine, addressable by name via
// PublishOptions.EngineName.
func (r *Registry) RegisterEngine(e Engine) {
	r.mu.Lock()
	r.engines[e.Name()] = e
	r.mu.Unlock()
}

// RegisterMetadataFunc adds a function invoked once per publication, before
// delivery, to attach a typed record to the message (spec.md §4.H).
func (r *Registry) RegisterMetadataFunc(fn MetadataFunc) {
	r.mu.Lock()
	r.metadataFns = append(r.metadataFns, fn)
	r.mu.Unlock()
}

// Subscribe registers handler for exact matches on channel, or for filter
// if filter != 0 (in which case channel is ignored for matching purposes).
func (r *Registry) Subscribe(channel string, filter int32, handler Handler, udata interface{}) *Subscription {
	sub := &Subscription{id: uuid.NewString(), channel: channel, filter: filter, handler: handler, udata: udata}

	r.mu.Lock()
	if filter != 0 {
		r.filters[filter] = append(r.filters[filter], sub)
	} else {
		r.exact[channel] = append(r.exact[channel], sub)
	}
	r.mu.Unlock()

	if r.OnSubscribe != nil {
		r.OnSubscribe(sub)
	}
	return sub
}

// PSubscribe registers handler for channels matching pattern under match
// (DefaultMatch if nil).
func (r *Registry) PSubscribe(pattern string, match MatchFunc, handler Handler, udata interface{}) *Subscription {
	if match == nil {
		match = DefaultMatch
	}
	sub := &Subscription{id: uuid.NewString(), pattern: pattern, matchFn: match, handler: handler, udata: udata}

	r.mu.Lock()
	r.patterns = append(r.patterns, sub)
	r.mu.Unlock()

	if r.OnPSubscribe != nil {
		r.OnPSubscribe(sub)
	}
	return sub
}

// Unsubscribe cancels sub and removes it from the registry's tables.
func (r *Registry) Unsubscribe(sub *Subscription) {
	sub.Cancel()

	r.mu.Lock()
	switch {
	case sub.filter != 0:
		r.filters[sub.filter] = removeSub(r.filters[sub.filter], sub)
	case sub.pattern != "":
		r.patterns = removeSub(r.patterns, sub)
	default:
		r.exact[sub.channel] = removeSub(r.exact[sub.channel], sub)
	}
	r.mu.Unlock()

	if sub.pattern != "" {
		if r.OnPUnsubscribe != nil {
			r.OnPUnsubscribe(sub)
		}
		return
	}
	if r.OnUnsubscribe != nil {
		r.OnUnsubscribe(sub)
	}
}

func removeSub(subs []*Subscription, target *Subscription) []*Subscription {
	out := subs[:0]
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// Publish routes msg according to opts.Engine (spec.md §4.H). Publishing to
// a channel with no subscribers is a no-op success.
func (r *Registry) Publish(opts PublishOptions) error {
	msg := newMessage(opts.Channel, opts.Payload, opts.IsJSON, opts.Filter)
	r.runMetadataFns(msg)

	local := false
	defer func() {
		if !local {
			msg.release() // no local delivery: drop the baseline reference
		}
	}()

	switch opts.Engine {
	case EngineCustom:
		r.mu.RLock()
		eng, ok := r.engines[opts.EngineName]
		r.mu.RUnlock()
		if !ok {
			return rerr.New(rerr.PatternInvalid, "pubsub: unknown engine "+opts.EngineName)
		}
		return eng.Publish(opts.Channel, opts.Payload, opts.IsJSON)

	case EngineRoot:
		r.mu.RLock()
		fwd := r.forwarder
		r.mu.RUnlock()
		if fwd == nil {
			return rerr.New(rerr.ClusterIPCFailure, "pubsub: no forwarder configured for root engine")
		}
		return fwd.ForwardToRoot(opts.Channel, opts.Payload, opts.IsJSON, opts.Filter)

	case EngineSiblings, EngineCluster:
		r.mu.RLock()
		fwd := r.forwarder
		r.mu.RUnlock()
		if fwd == nil {
			return rerr.New(rerr.ClusterIPCFailure, "pubsub: no forwarder configured for cluster engine")
		}
		siblingsOnly := opts.Engine == EngineSiblings
		if err := fwd.ForwardPublish(opts.Channel, opts.Payload, opts.IsJSON, opts.Filter, siblingsOnly); err != nil {
			return err
		}
		if siblingsOnly {
			return nil
		}
	}

	local = true
	r.deliverLocal(msg)
	return nil
}

func (r *Registry) runMetadataFns(msg *Message) {
	r.mu.RLock()
	fns := append([]MetadataFunc(nil), r.metadataFns...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (r *Registry) deliverLocal(msg *Message) {
	subs := r.matchSubscriptions(msg)
	for _, sub := range subs {
		if sub.Cancelled() {
			continue
		}
		sub := sub
		msg.retain()
		r.defer_.Defer(func(interface{}, interface{}) {
			r.runDelivery(sub, msg)
		}, nil, nil)
	}
	msg.release() // drop the registry's own baseline reference
}

func (r *Registry) matchSubscriptions(msg *Message) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if msg.Filter != 0 {
		return append([]*Subscription(nil), r.filters[msg.Filter]...)
	}

	var out []*Subscription
	out = append(out, r.exact[msg.Channel]...)
	for _, sub := range r.patterns {
		mf := sub.matchFn
		if mf == nil {
			mf = DefaultMatch
		}
		if mf(sub.pattern, msg.Channel) {
			out = append(out, sub)
		}
	}
	return out
}

func (r *Registry) runDelivery(sub *Subscription, msg *Message) {
	defer msg.release()
	if sub.Cancelled() {
		return
	}
	sub.handler(&Delivery{Msg: msg, Sub: sub, reg: r})
}

// AttachMetadata is called from within a MetadataFunc to attach record to
// msg under typeID. onFinish, if non-nil, runs exactly once after every
// scheduled delivery of msg completes.
func AttachMetadata(msg *Message, typeID int, record interface{}, onFinish func()) {
	msg.attachMetadata(typeID, record, onFinish)
}
