// Package registry implements the capability registry that wires the
// platform components together.
//
// Components never hold direct references to each other. A component
// needing escrow or arbitration resolves the capability by name at call
// time, so the platform owner can rebind an implementation (a staged
// escrow migration, a new arbitration policy) and in-flight flows pick
// up the replacement on their next call.
package registry

import (
	"errors"
	"strings"
	"sync"
)

// Capability names bound at server startup.
const (
	CapTrade       = "trade"
	CapEscrow      = "escrow"
	CapArbitration = "arbitration"
)

var (
	ErrNotFound = errors.New("registry: capability not found")
	ErrNotOwner = errors.New("registry: caller is not the registry owner")
	ErrInvalid  = errors.New("registry: invalid capability handle")
)

// Handle points at a live capability implementation. Addr identifies the
// component for caller-authorization checks. Impl is the implementation
// itself; callers type-assert it to the interface they need.
type Handle struct {
	Addr string
	Impl any
}

// Registry maps capability names to handles. Only the owner fixed at
// construction may bind or rebind a name.
type Registry struct {
	owner string
	mu    sync.RWMutex
	caps  map[string]Handle
}

// New creates a registry owned by the given address.
func New(owner string) *Registry {
	return &Registry{
		owner: strings.ToLower(owner),
		caps:  make(map[string]Handle),
	}
}

// Owner returns the owner address.
func (r *Registry) Owner() string {
	return r.owner
}

// Set binds name to handle. Rebinding an existing name is allowed; the
// new handle is visible to the next Resolve.
func (r *Registry) Set(caller, name string, h Handle) error {
	if !strings.EqualFold(caller, r.owner) {
		return ErrNotOwner
	}
	if name == "" || h.Addr == "" || h.Impl == nil {
		return ErrInvalid
	}
	h.Addr = strings.ToLower(h.Addr)

	r.mu.Lock()
	r.caps[name] = h
	r.mu.Unlock()
	return nil
}

// Resolve returns the current handle for name. Callers resolve on every
// operation rather than caching the result.
func (r *Registry) Resolve(name string) (Handle, error) {
	r.mu.RLock()
	h, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return Handle{}, ErrNotFound
	}
	return h, nil
}

// List returns the bound capability names and their addresses, for the
// server status endpoint.
func (r *Registry) List() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.caps))
	for name, h := range r.caps {
		out[name] = h.Addr
	}
	return out
}
