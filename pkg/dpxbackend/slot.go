package dpxbackend

import (
	"sync"

	"github.com/sammck-go/duplex/pkg/dpxnet"
)

// SlotState is the tag of a Slot
type SlotState int

const (
	// SlotReady means the slot holds a connection no session has claimed yet
	SlotReady SlotState = iota
	// SlotInUse means a session has claimed the connection. This state is final.
	SlotInUse
)

func (s SlotState) String() string {
	if s == SlotReady {
		return "ready"
	}
	return "in use"
}

// Slot holds the single shared backend connection. It moves from SlotReady to SlotInUse
// exactly once and never back: the connection is handed to one session for good, and
// sessions that arrive later are turned away even after that session has ended.
type Slot struct {
	lock  sync.Mutex
	state SlotState
	conn  dpxnet.Bipipe
}

// NewSlot creates a slot in SlotReady holding conn
func NewSlot(conn dpxnet.Bipipe) *Slot {
	return &Slot{state: SlotReady, conn: conn}
}

// State returns the current tag
func (s *Slot) State() SlotState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// TryTake claims the connection. If the slot is ready it becomes in use and the connection
// is returned with ok true; otherwise ok is false. It never blocks on another holder.
func (s *Slot) TryTake() (conn dpxnet.Bipipe, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.state != SlotReady {
		return nil, false
	}
	conn = s.conn
	s.conn = nil
	s.state = SlotInUse
	return conn, true
}
