package server

import "sync"

// Options holds server-side toggles a manager may set via the option RPC
// (spec.md §4.4, SPEC_FULL.md "Option RPC with delayed dispatch"). Keyed by
// the option's wire "type" string (e.g. "alertSystemActive"); the value is
// whatever numeric value that option carries. A Options is safe for
// concurrent use.
type Options struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewOptions returns an empty Options store.
func NewOptions() *Options {
	return &Options{values: make(map[string]float64)}
}

// Set records optionType's new value. Called from a session's AsyncSender
// queue once any requested delay has elapsed.
func (o *Options) Set(optionType string, value float64) {
	o.mu.Lock()
	o.values[optionType] = value
	o.mu.Unlock()
}

// Get returns optionType's current value and whether it has ever been set.
func (o *Options) Get(optionType string) (float64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.values[optionType]
	return v, ok
}
