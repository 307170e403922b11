package breaker

import "sort"

// Set holds one breaker per provider for the lifetime of the process.
// Breakers are created at router initialization and only ever transitioned,
// never removed, so lookups after construction are lock-free.
type Set struct {
	breakers map[string]*Breaker
}

func NewSet(cfg Config, providerNames []string, onTransition TransitionHook) *Set {
	set := &Set{breakers: make(map[string]*Breaker, len(providerNames))}
	for _, name := range providerNames {
		set.breakers[name] = New(name, cfg, onTransition)
	}
	return set
}

// Get returns the breaker for a provider; nil for unknown names.
func (s *Set) Get(providerName string) *Breaker {
	return s.breakers[providerName]
}

// Snapshots returns the current position of every breaker keyed by provider.
func (s *Set) Snapshots() map[string]Snapshot {
	snapshots := make(map[string]Snapshot, len(s.breakers))
	for name, b := range s.breakers {
		snapshots[name] = b.Snapshot()
	}
	return snapshots
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
