// Package pubsub implements the channel/pattern subscription registry
// (spec.md §4.H): exact and pattern subscriptions, engine routing, metadata
// attachment, and message_defer re-delivery.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Message is one published unit, ref-counted across every subscription it
// is scheduled for delivery to. Metadata attached by a MetadataFunc is
// released exactly once, after every scheduled delivery has run.
type Message struct {
	ID      string
	Channel string
	Payload []byte
	IsJSON  bool
	Filter  int32

	mu        sync.Mutex
	metadata  map[int]interface{}
	finishers []func()

	refcount int32 // atomic; starts at 1, one extra per scheduled delivery
}

func newMessage(channel string, payload []byte, isJSON bool, filter int32) *Message {
	return &Message{
		ID:       uuid.NewString(),
		Channel:  channel,
		Payload:  payload,
		IsJSON:   isJSON,
		Filter:   filter,
		refcount: 1,
	}
}

func (m *Message) attachMetadata(typeID int, record interface{}, onFinish func()) {
	m.mu.Lock()
	if m.metadata == nil {
		m.metadata = make(map[int]interface{})
	}
	m.metadata[typeID] = record
	if onFinish != nil {
		m.finishers = append(m.finishers, onFinish)
	}
	m.mu.Unlock()
}

// Metadata retrieves the record a MetadataFunc attached under typeID.
func (m *Message) Metadata(typeID int) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.metadata[typeID]
	return v, ok
}

func (m *Message) retain() {
	atomic.AddInt32(&m.refcount, 1)
}

func (m *Message) release() {
	if atomic.AddInt32(&m.refcount, -1) != 0 {
		return
	}
	m.mu.Lock()
	finishers := m.finishers
	m.finishers = nil
	m.mu.Unlock()
	for _, fn := range finishers {
		fn()
	}
}
