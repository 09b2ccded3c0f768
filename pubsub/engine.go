package pubsub

// EngineKind selects how a publication is routed (spec.md §4.H).
type EngineKind int

const (
	// EngineProcess delivers only to subscriptions in the current process.
	EngineProcess EngineKind = iota
	// EngineRoot forwards to the parent process only; no local delivery.
	EngineRoot
	// EngineSiblings forwards to other worker processes; no local delivery.
	EngineSiblings
	// EngineCluster forwards to other processes AND delivers locally.
	EngineCluster
	// EngineCustom routes to a registered Engine by name, bypassing the
	// local subscription table entirely: the engine owns delivery.
	EngineCustom
)

// Engine is a custom delivery target registered by name. Implementations
// are responsible for delivering the publication themselves; the registry
// never matches custom-engine publications against local subscriptions.
type Engine interface {
	Name() string
	Publish(channel string, payload []byte, isJSON bool) error
}

// Forwarder is implemented by the cluster package and injected into a
// Registry so EngineCluster/EngineRoot/EngineSiblings publications can
// leave the process, without pubsub importing cluster (which itself
// depends on pubsub's Registry to deliver inbound publications locally).
type Forwarder interface {
	// ForwardPublish sends a publish frame up to the parent for fan-out.
	// siblingsOnly reports whether local delivery has already been
	// skipped by the caller (EngineSiblings) so the forwarder need not
	// reason about it.
	ForwardPublish(channel string, payload []byte, isJSON bool, filter int32, siblingsOnly bool) error
	// ForwardToRoot sends a publish frame intended for the parent only
	// (EngineRoot): no sibling fan-out.
	ForwardToRoot(channel string, payload []byte, isJSON bool, filter int32) error
}
