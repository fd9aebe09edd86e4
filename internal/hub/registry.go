package hub

import (
	"sync"

	"github.com/markb/chagpt/internal/log"
	"github.com/markb/chagpt/internal/metrics"
)

// Slot names.
const (
	SlotAdmin   = "admin"
	SlotEmitter = "emitter"
)

// Registry is the shared state handed to every connection: the audience set
// plus the admin and emitter slots.
type Registry struct {
	mu       sync.RWMutex
	audience map[Handle]struct{}

	Admin   *Slot
	Emitter *Slot

	metrics *metrics.Metrics
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Audience int  `json:"audience"`
	Admin    bool `json:"admin"`
	Emitter  bool `json:"emitter"`
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		audience: make(map[Handle]struct{}),
		Admin:    NewSlot(SlotAdmin, m),
		Emitter:  NewSlot(SlotEmitter, m),
		metrics:  m,
	}
}

// Insert adds h to the audience set. Inserting a present handle is logged
// as an anomaly and reported as false.
func (r *Registry) Insert(h Handle) bool {
	r.mu.Lock()
	_, exists := r.audience[h]
	if !exists {
		r.audience[h] = struct{}{}
	}
	size := len(r.audience)
	r.mu.Unlock()

	if exists {
		log.Error("hub: duplicate audience insert", "conn_id", h.ID(), "size", size)
		return false
	}
	log.Debug("hub: audience insert", "conn_id", h.ID(), "size", size)
	return true
}

// Remove deletes h from the audience set. Removing an absent handle is
// logged as an anomaly and reported as false.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	_, exists := r.audience[h]
	delete(r.audience, h)
	size := len(r.audience)
	r.mu.Unlock()

	if !exists {
		log.Error("hub: audience remove of unknown handle", "conn_id", h.ID(), "size", size)
		return false
	}
	log.Debug("hub: audience remove", "conn_id", h.ID(), "size", size)
	return true
}

// Contains reports whether h is in the audience set.
func (r *Registry) Contains(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.audience[h]
	return ok
}

// Len returns the audience size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.audience)
}

// Broadcast delivers env to every audience member and returns how many
// deliveries succeeded. The read lock is held for the whole iteration;
// Emit never blocks so a slow peer cannot stall writers. Failures are
// logged and skipped.
func (r *Registry) Broadcast(env *Envelope) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for h := range r.audience {
		if err := h.Emit(env); err != nil {
			log.Error("hub: delivery to audience failed", "conn_id", h.ID(), "kind", env.Kind(), "error", err.Error())
			r.metrics.DeliveryFailed("audience")
			continue
		}
		delivered++
	}
	r.metrics.Broadcast(env.Kind())
	return delivered
}

// Stats returns current registry statistics.
func (r *Registry) Stats() Stats {
	return Stats{
		Audience: r.Len(),
		Admin:    r.Admin.Occupied(),
		Emitter:  r.Emitter.Occupied(),
	}
}
