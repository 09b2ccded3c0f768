// Package reactor implements an event-driven network reactor core: a
// single-process-or-multi-worker server runtime that multiplexes
// thousands of non-blocking socket connections over an OS poller, binds
// each to a user-supplied Protocol, and drives per-connection callbacks
// under strict concurrency-safety guarantees.
//
// The runtime also provides a deferred-task queue (package
// internal/deferqueue), a generation-counter UUID scheme preventing
// descriptor-reuse bugs (package internal/fdtable), and a pub/sub layer
// (package pubsub) that fans messages out across subscriptions within a
// process and, through package cluster, across sibling worker processes.
package reactor
