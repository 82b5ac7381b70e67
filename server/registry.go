package server

import (
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"msgrelay/metrics"
	"msgrelay/models"
)

// ErrConnClosed is returned when pushing to a reference that no longer has a
// registered connection.
var ErrConnClosed = errors.New("connection closed")

// Endpoint is one live client connection, whatever the transport.
// Writes must be safe for concurrent use and bounded by a write deadline.
type Endpoint interface {
	WriteMessage(m models.Message) error
	WriteDelivered(id string) error
	// Close says goodbye with reason and closes the underlying connection.
	Close(reason string) error
	RemoteAddr() string
}

type registered struct {
	ep      Endpoint
	address string
}

// Registry owns the live connections and hands out opaque references to
// them. It implements relay.Pusher.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*registered
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*registered)}
}

// Register stores ep and returns its reference.
func (r *Registry) Register(ep Endpoint) string {
	ref := uuid.NewString()
	r.mu.Lock()
	r.conns[ref] = &registered{ep: ep}
	r.mu.Unlock()
	metrics.OpenConnections.Inc()
	return ref
}

// Bind records that ref speaks for address. Which connection the session
// store routes address to is decided by the store, not here.
func (r *Registry) Bind(ref, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.conns[ref]; ok {
		reg.address = address
	}
}

// Unregister forgets ref and returns the address it was bound to, if any.
func (r *Registry) Unregister(ref string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.conns[ref]
	if !ok {
		return ""
	}
	delete(r.conns, ref)
	metrics.OpenConnections.Dec()
	return reg.address
}

func (r *Registry) endpoint(ref string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[ref]
	if !ok {
		return nil, false
	}
	return reg.ep, true
}

func (r *Registry) PushMessage(ref string, m models.Message) error {
	ep, ok := r.endpoint(ref)
	if !ok {
		return ErrConnClosed
	}
	return ep.WriteMessage(m)
}

func (r *Registry) PushDelivered(ref string, id string) error {
	ep, ok := r.endpoint(ref)
	if !ok {
		return ErrConnClosed
	}
	return ep.WriteDelivered(id)
}

// Endpoints returns a snapshot of every registered connection.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	eps := make([]Endpoint, 0, len(r.conns))
	for _, reg := range r.conns {
		eps = append(eps, reg.ep)
	}
	return eps
}

func (r *Registry) Stats() models.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addresses := make([]string, 0, len(r.conns))
	for _, reg := range r.conns {
		if reg.address != "" {
			addresses = append(addresses, reg.address)
		}
	}
	slices.Sort(addresses)
	return models.Stats{Connections: len(r.conns), Addresses: slices.Compact(addresses)}
}
