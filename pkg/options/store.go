package options

import (
	"sync"
)

// DefaultScheme is the scheme key used when callers do not name one.
const DefaultScheme = "default"

// Store caches one MergedOptions per authentication scheme key for the
// process lifetime. Merging is serialized per store so layers applied from
// different goroutines never interleave within one instance.
type Store struct {
	mu      sync.Mutex
	byKey   map[string]*MergedOptions
	changed []func(scheme string, merged *MergedOptions)
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byKey: make(map[string]*MergedOptions),
	}
}

// Get returns the merged options for the scheme, creating an empty instance
// on first use. An empty scheme maps to DefaultScheme.
func (s *Store) Get(scheme string) *MergedOptions {
	if scheme == "" {
		scheme = DefaultScheme
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	merged, ok := s.byKey[scheme]
	if !ok {
		merged = &MergedOptions{}
		s.byKey[scheme] = merged
	}
	return merged
}

// Merge layers src into the scheme's options and returns the result.
func (s *Store) Merge(scheme string, src *MergedOptions) *MergedOptions {
	merged := s.Get(scheme)

	s.mu.Lock()
	merged.Merge(src)
	observers := make([]func(string, *MergedOptions), len(s.changed))
	copy(observers, s.changed)
	s.mu.Unlock()

	for _, observer := range observers {
		observer(scheme, merged)
	}
	return merged
}

// OnMerge registers a callback invoked synchronously, in registration
// order, after each merge.
func (s *Store) OnMerge(callback func(scheme string, merged *MergedOptions)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changed = append(s.changed, callback)
}

// Reset discards all cached options. Intended for tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[string]*MergedOptions)
}
