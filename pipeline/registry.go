package pipeline

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
)

// Registry holds handler descriptors at configuration time. It is not safe
// for concurrent use; build the dispatcher once registration is complete.
type Registry struct {
	descriptors []Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers descriptors. Names must be unique across the registry.
func (r *Registry) Add(descriptors ...Descriptor) error {
	for _, d := range descriptors {
		if err := checkDescriptor(d); err != nil {
			return err
		}
		if _, exists := r.Find(d.name); exists {
			return Misconfigured("registry", "handler %q is already registered", d.name)
		}
		r.descriptors = append(r.descriptors, d)
	}
	return nil
}

// Remove unregisters the named handler. It reports whether it was present.
func (r *Registry) Remove(name string) bool {
	i := r.index(name)
	if i < 0 {
		return false
	}
	r.descriptors = slices.Delete(r.descriptors, i, i+1)
	return true
}

// Replace swaps the named handler for d. The replacement must target the
// same event type.
func (r *Registry) Replace(name string, d Descriptor) error {
	i := r.index(name)
	if i < 0 {
		return Misconfigured("registry", "handler %q is not registered", name)
	}
	if err := checkDescriptor(d); err != nil {
		return err
	}
	if r.descriptors[i].eventType != d.eventType {
		return Misconfigured("registry", "handler %q handles %s, replacement handles %s",
			name, r.descriptors[i].eventType, d.eventType)
	}
	if j := r.index(d.name); j >= 0 && j != i {
		return Misconfigured("registry", "handler %q is already registered", d.name)
	}
	r.descriptors[i] = d
	return nil
}

// Find returns the named descriptor.
func (r *Registry) Find(name string) (Descriptor, bool) {
	if i := r.index(name); i >= 0 {
		return r.descriptors[i], true
	}
	return Descriptor{}, false
}

// Descriptors returns a copy of every registered descriptor in registration order.
func (r *Registry) Descriptors() []Descriptor {
	return slices.Clone(r.descriptors)
}

// ForEvent returns the descriptors subscribed to eventType in ascending
// order. Equal orders keep registration order.
func (r *Registry) ForEvent(eventType reflect.Type) []Descriptor {
	var out []Descriptor
	for _, d := range r.descriptors {
		if d.eventType == eventType {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(a.order, b.order)
	})
	return out
}

// Validate reports built-in handlers of one event type sharing an order.
func (r *Registry) Validate() error {
	type slot struct {
		eventType reflect.Type
		order     int
	}
	seen := make(map[slot]string)
	var errs []error
	for _, d := range r.descriptors {
		if d.origin != BuiltIn {
			continue
		}
		s := slot{d.eventType, d.order}
		if other, ok := seen[s]; ok {
			errs = append(errs, fmt.Errorf("built-in handlers %q and %q share order %d on %s",
				other, d.name, d.order, d.eventType))
			continue
		}
		seen[s] = d.name
	}
	if len(errs) > 0 {
		return &ConfigurationError{Component: "registry", Err: errors.Join(errs...)}
	}
	return nil
}

func (r *Registry) index(name string) int {
	return slices.IndexFunc(r.descriptors, func(d Descriptor) bool { return d.name == name })
}

func checkDescriptor(d Descriptor) error {
	switch {
	case d.name == "":
		return Misconfigured("registry", "handler name is required")
	case d.eventType == nil || d.invoke == nil:
		return Misconfigured("registry", "handler %q was not built with Describe", d.name)
	case d.factory == nil:
		return Misconfigured("registry", "handler %q has no implementation", d.name)
	}
	return nil
}
