package step

import (
	"fmt"

	"github.com/vk/permitgrid/internal/domain"
)

// Registry holds the Go handlers steps bind to, keyed by handler name.
// Modules register their handlers at startup; the pipeline configuration
// then instantiates specs referencing them by name, mirroring the split
// between registered code and declared instances.
type Registry struct {
	handlers map[string]Handler
}

// Module is implemented by every package that contributes handlers.
type Module interface {
	Register(r *Registry)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// RegisterHandler adds a named handler. Registering the same name twice is
// a programmer error and panics at startup.
func (r *Registry) RegisterHandler(name string, h Handler) {
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler %q registered twice", name))
	}
	r.handlers[name] = h
}

// Handler looks up a handler by name.
func (r *Registry) Handler(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Definition is a format-agnostic step instance as declared in the pipeline
// configuration, before it is bound to a registered handler.
type Definition struct {
	ID         string
	Handler    string
	Capability string
	DependsOn  []string
	Categories []string
	Drafting   bool
	Params     map[string]any
}

// Build binds configured step definitions to registered handlers and
// returns the immutable spec set. A definition referencing an unknown
// handler, a duplicate id, or an unknown dependency is a configuration
// error surfaced before any execution begins.
func (r *Registry) Build(defs []Definition) ([]*Spec, error) {
	specs := make([]*Spec, 0, len(defs))
	byID := make(map[string]*Spec, len(defs))

	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("step definition missing an id")
		}
		if _, dup := byID[def.ID]; dup {
			return nil, fmt.Errorf("duplicate step id %q", def.ID)
		}
		h, ok := r.handlers[def.Handler]
		if !ok {
			return nil, fmt.Errorf("step %q references unknown handler %q", def.ID, def.Handler)
		}

		cats := make([]domain.Category, 0, len(def.Categories))
		for _, c := range def.Categories {
			cats = append(cats, domain.Category(c))
		}

		spec := &Spec{
			ID:         def.ID,
			DependsOn:  append([]string(nil), def.DependsOn...),
			Capability: def.Capability,
			Categories: cats,
			Drafting:   def.Drafting,
			Params:     def.Params,
			Run:        h,
		}
		specs = append(specs, spec)
		byID[def.ID] = spec
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", spec.ID, dep)
			}
		}
	}
	return specs, nil
}
