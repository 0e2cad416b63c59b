package config

import "sync/atomic"

// Holder publishes the current configuration to invocations. Each invocation
// reads it once at start so that a reload never changes options mid-flight.
type Holder struct {
	cur atomic.Pointer[Config]
}

// NewHolder returns a Holder seeded with cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.cur.Store(cfg)
	return h
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	return h.cur.Load()
}

// Set replaces the current configuration.
func (h *Holder) Set(cfg *Config) {
	h.cur.Store(cfg)
}
