package mediaformat

import (
	"fmt"
	"sync"
)

// Registry is a catalog of named Formats. Rather than a process-wide
// singleton, each Manager owns one, keeping tests and multi-stack
// instance, so tests can run isolated managers concurrently; production
// code typically owns exactly one.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Format
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Format)}
}

// RegisterFormat adds f to the registry. It fails if a distinct format
// (different payload type, clock rate, or options) already exists under
// the same name; re-registering an identical format is a no-op.
func (r *Registry) RegisterFormat(f Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[f.Name]; ok {
		if !sameFormat(existing, f) {
			return fmt.Errorf("mediaformat: format %q already registered with different parameters", f.Name)
		}
		return nil
	}
	r.byName[f.Name] = f.Clone()
	return nil
}

// SetRegisteredFormat replaces the options of an already-registered
// format, used during option negotiation once a merged Format is agreed.
// It fails if the name is not yet registered.
func (r *Registry) SetRegisteredFormat(f Format) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[f.Name]; !ok {
		return fmt.Errorf("mediaformat: format %q not registered", f.Name)
	}
	r.byName[f.Name] = f.Clone()
	return nil
}

// Find returns the registered format by name.
func (r *Registry) Find(name string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	if !ok {
		return Format{}, false
	}
	return f.Clone(), true
}

// FindByPayloadType returns every registered format advertising the given
// payload type. Dynamic types (>=96) are not globally unique, so one of
// them may return several formats.
func (r *Registry) FindByPayloadType(pt PayloadType) []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Format
	for _, f := range r.byName {
		if f.PayloadType == pt {
			out = append(out, f.Clone())
		}
	}
	return out
}

// FilterByKind returns every registered format of the given media kind.
func (r *Registry) FilterByKind(k Kind) []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Format
	for _, f := range r.byName {
		if f.Kind == k {
			out = append(out, f.Clone())
		}
	}
	return out
}

// All returns every registered format, in no particular order. Callers
// needing preference order should build an OrderedList from this.
func (r *Registry) All() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.byName))
	for _, f := range r.byName {
		out = append(out, f.Clone())
	}
	return out
}

func sameFormat(a, b Format) bool {
	if a.Kind != b.Kind || a.PayloadType != b.PayloadType || a.ClockRate != b.ClockRate || a.FrameTime != b.FrameTime {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for i := range a.Options {
		ao, bo := a.Options[i], b.Options[i]
		if ao.Name != bo.Name || ao.Value != bo.Value || ao.String != bo.String ||
			ao.IsStr != bo.IsStr || ao.Policy != bo.Policy {
			return false
		}
	}
	return true
}
