package oauth

import (
	"fmt"
	"sort"
	"sync"
)

// registration pairs a descriptor with its registration sequence number,
// which breaks order-key ties deterministically.
type registration struct {
	desc Descriptor
	seq  uint64
}

// Registry is the catalog of registered handler descriptors, keyed by
// stage. Handlers registered for StageAny are expanded into every stage's
// list at registration time. Each stage list is kept sorted by (order,
// registration sequence), so dispatch reads are sort-free.
//
// The built-in set is registered once at pipeline construction; custom
// registration afterwards is supported and synchronized, so concurrent
// dispatch reads are safe.
type Registry struct {
	mu     sync.RWMutex
	seq    uint64
	names  map[string]struct{}
	stages [stageCount][]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: map[string]struct{}{}}
}

// Register adds a descriptor. The descriptor's name must be unique within
// the registry.
func (r *Registry) Register(d Descriptor) error {
	if d.name == "" {
		return fmt.Errorf("descriptor requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.names[d.name]; dup {
		return fmt.Errorf("descriptor %q already registered", d.name)
	}
	r.names[d.name] = struct{}{}
	r.seq++
	reg := registration{desc: d, seq: r.seq}

	if d.stage == StageAny {
		for s := Stage(0); s < stageCount; s++ {
			r.insert(s, reg)
		}
		return nil
	}
	if d.stage < 0 || d.stage >= stageCount {
		delete(r.names, d.name)
		return fmt.Errorf("descriptor %q: invalid stage %d", d.name, d.stage)
	}
	r.insert(d.stage, reg)
	return nil
}

// insert keeps the stage list sorted by (order, seq). Must hold r.mu.
func (r *Registry) insert(stage Stage, reg registration) {
	list := r.stages[stage]
	i := sort.Search(len(list), func(i int) bool {
		if list[i].desc.order != reg.desc.order {
			return list[i].desc.order > reg.desc.order
		}
		return list[i].seq > reg.seq
	})
	list = append(list, registration{})
	copy(list[i+1:], list[i:])
	list[i] = reg
	r.stages[stage] = list
}

// Remove deletes the descriptor with the given name from every stage list.
// It reports whether a descriptor was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[name]; !ok {
		return false
	}
	delete(r.names, name)
	for s := range r.stages {
		list := r.stages[s][:0]
		for _, reg := range r.stages[s] {
			if reg.desc.name != name {
				list = append(list, reg)
			}
		}
		r.stages[s] = list
	}
	return true
}

// Replace swaps the descriptor with the same name in place, preserving the
// original registration position for order-key ties. The replacement must
// target the same stage.
func (r *Registry) Replace(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.names[d.name]; !ok {
		return fmt.Errorf("descriptor %q not registered", d.name)
	}
	replaced := false
	for s := range r.stages {
		for i, reg := range r.stages[s] {
			if reg.desc.name != d.name {
				continue
			}
			if d.stage != reg.desc.stage {
				return fmt.Errorf("descriptor %q: replacement must keep stage %v", d.name, reg.desc.stage)
			}
			if d.order != reg.desc.order {
				return fmt.Errorf("descriptor %q: replacement must keep order %d (remove and re-register to reorder)", d.name, reg.desc.order)
			}
			r.stages[s][i].desc = d
			replaced = true
		}
	}
	if !replaced {
		return fmt.Errorf("descriptor %q not registered", d.name)
	}
	return nil
}

// Handlers returns the effective ordered descriptor list for a stage, for
// dispatch and for diagnostics. The returned slice is a copy.
func (r *Registry) Handlers(stage Stage) []Descriptor {
	if stage < 0 || stage >= stageCount {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, len(r.stages[stage]))
	for i, reg := range r.stages[stage] {
		out[i] = reg.desc
	}
	return out
}
