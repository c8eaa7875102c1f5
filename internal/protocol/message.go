package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Header is the routing part of a message envelope.
type Header struct {
	Seq  uint64
	Type MsgType
	Src  EntityInst
	Dst  EntityInst
}

// Message is a reference-counted envelope.
//
// A new message holds one reference. Every Get must be balanced by a Put;
// the release hook, if any, runs exactly once when the last reference is
// dropped. Dropping more references than were taken is a programming error
// and panics.
type Message struct {
	Hdr   Header
	Front []byte
	Data  []byte

	refs      atomic.Int32
	mu        sync.Mutex
	onRelease func(*Message)
}

// NewMessage returns a message of type t holding one reference.
func NewMessage(t MsgType, front []byte) *Message {
	m := &Message{Hdr: Header{Type: t}, Front: front}
	m.refs.Store(1)
	return m
}

// OnRelease installs fn as the release hook, replacing any previous one.
func (m *Message) OnRelease(fn func(*Message)) {
	m.mu.Lock()
	m.onRelease = fn
	m.mu.Unlock()
}

// Get takes an extra reference and returns m.
func (m *Message) Get() *Message {
	if m.refs.Add(1) <= 1 {
		panic(fmt.Errorf("BUG: get on released %s message", m.Hdr.Type))
	}
	return m
}

// Put drops one reference.
func (m *Message) Put() {
	n := m.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Errorf("BUG: %s message released twice", m.Hdr.Type))
	}

	m.mu.Lock()
	fn := m.onRelease
	m.onRelease = nil
	m.mu.Unlock()

	if fn != nil {
		fn(m)
	}
}

// Refs returns the current reference count.
func (m *Message) Refs() int32 {
	return m.refs.Load()
}

// Released reports whether the last reference has been dropped.
func (m *Message) Released() bool {
	return m.refs.Load() <= 0
}
