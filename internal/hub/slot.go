package hub

import (
	"sync"

	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/metrics"
)

// Slot holds at most one handle. The most recent Set wins; ClearIf only
// clears the slot when it still refers to the given handle, so a stale
// disconnect never evicts a newer occupant.
type Slot struct {
	name    string
	mu      sync.RWMutex
	handle  Handle
	metrics *metrics.Metrics
}

// NewSlot creates an empty slot. The name is used in logs and metrics.
func NewSlot(name string, m *metrics.Metrics) *Slot {
	return &Slot{name: name, metrics: m}
}

// Set installs h and returns the previous occupant, if any.
func (s *Slot) Set(h Handle) Handle {
	s.mu.Lock()
	prev := s.handle
	s.handle = h
	s.mu.Unlock()

	if prev != nil && prev != h {
		log.Debug("hub: slot superseded", "slot", s.name, "prev_conn_id", prev.ID(), "conn_id", h.ID())
	} else {
		log.Debug("hub: slot set", "slot", s.name, "conn_id", h.ID())
	}
	return prev
}

// ClearIf empties the slot if it still holds h and reports whether it did.
func (s *Slot) ClearIf(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.handle != h {
		return false
	}
	s.handle = nil
	log.Debug("hub: slot cleared", "slot", s.name, "conn_id", h.ID())
	return true
}

// Get returns the current occupant or nil.
func (s *Slot) Get() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Occupied reports whether the slot currently holds a handle.
func (s *Slot) Occupied() bool {
	return s.Get() != nil
}

// Emit delivers env to the occupant. It returns ErrSlotEmpty when there is
// none; a delivery failure is logged and returned.
func (s *Slot) Emit(env *Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return ErrSlotEmpty
	}
	if err := s.handle.Emit(env); err != nil {
		log.Error("hub: delivery to slot failed", "slot", s.name, "conn_id", s.handle.ID(), "kind", env.Kind(), "error", err.Error())
		s.metrics.DeliveryFailed(s.name)
		return err
	}
	s.metrics.Broadcast(env.Kind())
	return nil
}
