package oauth

import "fmt"

// Handler is one unit of pipeline logic. Handlers report programmer or
// environment faults through their error return; protocol-level failures go
// through the context's Reject protocol instead.
type Handler interface {
	Handle(c Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c Context) error

// Handle implements Handler.
func (f HandlerFunc) Handle(c Context) error { return f(c) }

// Filter is a pure predicate gating whether a handler runs for a given
// context. Filters are re-evaluated immediately before each candidate
// handler on every dispatch, so they must be side-effect-free and cheap.
type Filter func(c Context) bool

// Lifetime controls how handler instances are obtained per dispatch.
type Lifetime int

const (
	// LifetimeSingleton reuses one handler instance across all requests.
	// The instance must be safe for concurrent use.
	LifetimeSingleton Lifetime = iota

	// LifetimeTransient constructs a fresh handler instance per dispatch.
	LifetimeTransient
)

// Provenance tags where a descriptor came from, for diagnostics.
type Provenance int

const (
	ProvenanceCustom Provenance = iota
	ProvenanceBuiltIn
)

// Descriptor is the immutable record describing one registered handler:
// which stage it applies to, its activation filters, its relative order and
// its lifetime. Descriptors are built once at pipeline-configuration time
// and shared read-only across all requests. Name is the descriptor's
// identity for removal and replacement.
type Descriptor struct {
	name       string
	stage      Stage
	filters    []Filter
	order      int
	lifetime   Lifetime
	provenance Provenance
	handler    Handler
	factory    func() Handler
}

// Name returns the descriptor's identity.
func (d Descriptor) Name() string { return d.name }

// Stage returns the stage the handler applies to.
func (d Descriptor) Stage() Stage { return d.stage }

// Order returns the numeric order key; lower runs first.
func (d Descriptor) Order() int { return d.order }

// Lifetime returns the handler's lifetime.
func (d Descriptor) Lifetime() Lifetime { return d.lifetime }

// Provenance reports whether the descriptor is built-in or custom.
func (d Descriptor) Provenance() Provenance { return d.provenance }

// applies evaluates every filter against the context; a single false skips
// the handler for this dispatch.
func (d Descriptor) applies(c Context) bool {
	for _, f := range d.filters {
		if !f(c) {
			return false
		}
	}
	return true
}

// instance resolves the handler to execute for one dispatch.
func (d Descriptor) instance() Handler {
	if d.lifetime == LifetimeTransient && d.factory != nil {
		return d.factory()
	}
	return d.handler
}

// DescriptorBuilder assembles a Descriptor fluently. Terminate with Build.
type DescriptorBuilder struct {
	d Descriptor
}

// NewDescriptor starts building a descriptor for the given stage. Use
// StageAny for handlers that apply to every stage.
func NewDescriptor(stage Stage) *DescriptorBuilder {
	return &DescriptorBuilder{d: Descriptor{stage: stage}}
}

// Named sets the descriptor's identity. Required and unique per registry.
func (b *DescriptorBuilder) Named(name string) *DescriptorBuilder {
	b.d.name = name
	return b
}

// Use sets a singleton handler instance.
func (b *DescriptorBuilder) Use(h Handler) *DescriptorBuilder {
	b.d.handler = h
	b.d.lifetime = LifetimeSingleton
	return b
}

// UseFunc sets a singleton handler from a function.
func (b *DescriptorBuilder) UseFunc(f HandlerFunc) *DescriptorBuilder {
	return b.Use(f)
}

// UseFactory sets a factory constructing a fresh handler per dispatch.
func (b *DescriptorBuilder) UseFactory(f func() Handler) *DescriptorBuilder {
	b.d.factory = f
	b.d.lifetime = LifetimeTransient
	return b
}

// AddFilter appends an activation filter. All filters must pass for the
// handler to run.
func (b *DescriptorBuilder) AddFilter(f Filter) *DescriptorBuilder {
	b.d.filters = append(b.d.filters, f)
	return b
}

// SetOrder sets the numeric order key. Lower runs first; registration order
// breaks ties.
func (b *DescriptorBuilder) SetOrder(order int) *DescriptorBuilder {
	b.d.order = order
	return b
}

// AsBuiltIn tags the descriptor as part of the built-in handler set.
func (b *DescriptorBuilder) AsBuiltIn() *DescriptorBuilder {
	b.d.provenance = ProvenanceBuiltIn
	return b
}

// Build finalizes the descriptor into an immutable value.
func (b *DescriptorBuilder) Build() (Descriptor, error) {
	if b.d.name == "" {
		return Descriptor{}, fmt.Errorf("descriptor requires a name")
	}
	if b.d.stage != StageAny && (b.d.stage < 0 || b.d.stage >= stageCount) {
		return Descriptor{}, fmt.Errorf("descriptor %q: invalid stage %d", b.d.name, b.d.stage)
	}
	if b.d.handler == nil && b.d.factory == nil {
		return Descriptor{}, fmt.Errorf("descriptor %q requires a handler", b.d.name)
	}
	// Copy the filter slice so later builder reuse cannot alias it.
	filters := make([]Filter, len(b.d.filters))
	copy(filters, b.d.filters)
	d := b.d
	d.filters = filters
	return d, nil
}

// MustBuild is Build, panicking on configuration errors. Intended for the
// static built-in handler set where a failure is a programming error.
func (b *DescriptorBuilder) MustBuild() Descriptor {
	d, err := b.Build()
	if err != nil {
		panic(err)
	}
	return d
}
