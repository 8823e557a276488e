package debounce

import (
	"sync"
	"time"
)

// Registry hands out one Channel per name, creating it lazily on first use
// so callers never have to coordinate channel construction.
type Registry struct {
	mu         sync.Mutex
	minGap     map[string]time.Duration
	channels   map[string]*Channel
	defaultGap time.Duration
}

// NewRegistry creates a Registry whose channels debounce at defaultGap
// unless overridden via WithGap.
func NewRegistry(defaultGap time.Duration) *Registry {
	return &Registry{
		minGap:     map[string]time.Duration{},
		channels:   map[string]*Channel{},
		defaultGap: defaultGap,
	}
}

// WithGap sets a channel-specific minimum gap, overriding the registry
// default. Must be called before the channel's first use.
func (r *Registry) WithGap(name string, gap time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minGap[name] = gap
}

// Get returns the named Channel, creating it if this is the first
// reference.
func (r *Registry) Get(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	gap := r.defaultGap
	if g, ok := r.minGap[name]; ok {
		gap = g
	}
	ch := New(name, gap)
	r.channels[name] = ch
	return ch
}

// EmitDelayed is shorthand for Get(name).EmitDelayed().
func (r *Registry) EmitDelayed(name string) {
	r.Get(name).EmitDelayed()
}

// StopAll shuts down every channel the registry has created.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.channels {
		ch.Stop()
	}
}
