package provider

import (
	"fmt"
	"sort"
)

// Entry pairs an immutable profile with the client that serves it.
type Entry struct {
	Profile Profile
	Client  Client
}

// Registry holds the static provider set for one router instance.
type Registry struct {
	entries map[string]Entry
	local   string
	// Highest remote cost per 1M tokens, used to normalize cost penalties.
	maxRemoteCost float64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds a provider. Duplicate names and a second local fallback are
// configuration errors.
func (r *Registry) Register(profile Profile, client Client) error {
	if profile.Name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if client == nil {
		return fmt.Errorf("provider %q: client cannot be nil", profile.Name)
	}
	if _, exists := r.entries[profile.Name]; exists {
		return fmt.Errorf("provider %q: duplicate name", profile.Name)
	}
	if profile.Local {
		if r.local != "" {
			return fmt.Errorf("provider %q: local fallback already registered as %q", profile.Name, r.local)
		}
		r.local = profile.Name
	} else if profile.CostPer1MTokens > r.maxRemoteCost {
		r.maxRemoteCost = profile.CostPer1MTokens
	}
	r.entries[profile.Name] = Entry{Profile: profile, Client: client}
	return nil
}

func (r *Registry) Get(name string) (Entry, bool) {
	entry, ok := r.entries[name]
	return entry, ok
}

// All returns every entry sorted by name so iteration order is stable.
func (r *Registry) All() []Entry {
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Profile.Name < entries[j].Profile.Name
	})
	return entries
}

// Remotes returns every non-local entry sorted by name.
func (r *Registry) Remotes() []Entry {
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.All() {
		if !entry.Profile.Local {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Local returns the always-eligible fallback entry.
func (r *Registry) Local() (Entry, bool) {
	if r.local == "" {
		return Entry{}, false
	}
	entry, ok := r.entries[r.local]
	return entry, ok
}

// MaxRemoteCost returns the highest remote CostPer1MTokens, or 0 when every
// remote is free.
func (r *Registry) MaxRemoteCost() float64 {
	return r.maxRemoteCost
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
