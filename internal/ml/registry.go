package ml

import "sync/atomic"

// Registry publishes the current bundle. Readers always observe either no
// bundle or one complete bundle; Replace swaps the pointer in one step.
type Registry struct {
	current atomic.Pointer[Bundle]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Current returns the published bundle or nil.
func (r *Registry) Current() *Bundle {
	return r.current.Load()
}

// Ready reports whether a bundle is published.
func (r *Registry) Ready() bool {
	return r.current.Load() != nil
}

// Replace publishes b and returns the bundle it replaced.
func (r *Registry) Replace(b *Bundle) *Bundle {
	return r.current.Swap(b)
}
