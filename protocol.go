package reactor

// Protocol is the user-supplied callback bundle bound to a connection
// (spec.md §3, §6). A nil callback is never invoked; implementers embed
// NopProtocol to get no-op defaults for the ones they don't care about,
// the way jacobsa/fuse's NotImplementedFileSystem fills in unimplemented
// operations.
type Protocol interface {
	// OnData fires when bytes are available to read. Never re-entered for
	// the same connection (TASK lock); may run concurrently with OnReady
	// on a different goroutine.
	OnData(s *Server, u UUID)
	// OnReady fires when the connection is writable and has no pending
	// packets, i.e. "you may write more if you want to" (WRITE lock).
	OnReady(s *Server, u UUID)
	// OnShutdown fires once per connection during graceful shutdown.
	// Return 0 to close once pending writes drain (within the shutdown
	// budget), 1..254 to give pending writes up to that many seconds
	// (capped by the shutdown budget) to drain, or 255 to be excluded from
	// the graceful drain and force-closed last. With 0 or 1..254 the
	// connection is closed as soon as its queue is empty; it is not held
	// open for the full delay.
	OnShutdown(s *Server, u UUID) int
	// OnClose fires exactly once, after all pending writes are drained or
	// abandoned and no task for this connection is in flight.
	OnClose(s *Server, u UUID)
	// Ping fires when a connection's inactivity timeout elapses (WRITE
	// lock), serialized against OnReady.
	Ping(s *Server, u UUID)
}

// NopProtocol implements Protocol with no-ops, safe to embed and override
// selectively.
type NopProtocol struct{}

func (NopProtocol) OnData(*Server, UUID)        {}
func (NopProtocol) OnReady(*Server, UUID)       {}
func (NopProtocol) OnShutdown(*Server, UUID) int { return 0 }
func (NopProtocol) OnClose(*Server, UUID)       {}
func (NopProtocol) Ping(*Server, UUID)          {}
