package cluster

import (
	"io"

	"github.com/deferio/reactor/internal/rlog"
	"github.com/deferio/reactor/pubsub"
)

// WorkerBridge ties a worker's local pubsub.Registry to its parent
// connection: it implements pubsub.Forwarder so EngineCluster/EngineRoot/
// EngineSiblings publications leave the process, and its Run loop applies
// inbound publish frames (fanned out by the parent Hub from a sibling) to
// the local registry.
type WorkerBridge struct {
	conn *Conn
	reg  *pubsub.Registry

	// onParentCrash, if set, runs when Run observes the parent pipe close
	// without a preceding FrameShutdown (spec.md:110, "fires ...
	// ON_PARENT_CRASH in other workers if the parent dies"). Kept as a
	// plain callback, not a reactor.Lifecycle reference, so cluster never
	// imports the top-level reactor package.
	onParentCrash func()
}

// NewWorkerBridge wires conn and reg together and registers the bridge as
// reg's forwarder and subscribe/unsubscribe notifier.
func NewWorkerBridge(conn *Conn, reg *pubsub.Registry) *WorkerBridge {
	b := &WorkerBridge{conn: conn, reg: reg}
	reg.SetForwarder(b)
	reg.OnSubscribe = func(sub *pubsub.Subscription) { b.notify(FrameSubscribe, sub) }
	reg.OnUnsubscribe = func(sub *pubsub.Subscription) { b.notify(FrameUnsubscribe, sub) }
	reg.OnPSubscribe = func(sub *pubsub.Subscription) { b.notify(FramePSubscribe, sub) }
	reg.OnPUnsubscribe = func(sub *pubsub.Subscription) { b.notify(FramePUnsubscribe, sub) }
	return b
}

// SetOnParentCrash registers fn to run when Run detects the parent pipe
// closed without a graceful FrameShutdown.
func (b *WorkerBridge) SetOnParentCrash(fn func()) {
	b.onParentCrash = fn
}

func (b *WorkerBridge) notify(typ FrameType, sub *pubsub.Subscription) {
	channel := sub.Channel()
	if channel == "" {
		channel = sub.Pattern()
	}
	if err := b.conn.Send(typ, 0, false, channel, nil); err != nil {
		rlog.Warn("cluster: subscription notify failed", "err", err)
	}
}

// ForwardPublish implements pubsub.Forwarder.
func (b *WorkerBridge) ForwardPublish(channel string, payload []byte, isJSON bool, filter int32, siblingsOnly bool) error {
	return b.conn.Send(FramePublish, filter, isJSON, channel, payload)
}

// ForwardToRoot implements pubsub.Forwarder, sending a FramePublishRoot
// frame so the parent's Hub delivers it to its own registry only and never
// fans it back out to other workers.
func (b *WorkerBridge) ForwardToRoot(channel string, payload []byte, isJSON bool, filter int32) error {
	return b.conn.Send(FramePublishRoot, filter, isJSON, channel, payload)
}

// Run reads frames from the parent until the connection closes or a
// shutdown frame arrives, applying each inbound publish to the local
// registry. It never runs a Handler inline from here: Registry.Publish
// itself schedules local delivery through the defer queue.
func (b *WorkerBridge) Run() error {
	for {
		f, err := b.conn.Recv()
		if err != nil {
			if err == io.EOF {
				if b.onParentCrash != nil {
					b.onParentCrash()
				}
				return nil
			}
			return err
		}

		switch f.Type {
		case FramePublish:
			if err := b.reg.Publish(pubsub.PublishOptions{
				Channel: f.Channel,
				Payload: f.Msg,
				IsJSON:  f.IsJSON,
				Filter:  f.Filter,
				Engine:  pubsub.EngineProcess,
			}); err != nil {
				rlog.Warn("cluster: inbound publish failed", "err", err)
			}
		case FrameShutdown:
			return nil
		case FramePing:
			// keepalive only
		}
	}
}
