package pipeline

import (
	"context"
	"reflect"
	"slices"
)

// Lifetime controls how often a handler is constructed.
type Lifetime int

const (
	// Singleton handlers are constructed once, when the dispatcher is built,
	// and shared by concurrent transactions.
	Singleton Lifetime = iota
	// Scoped handlers are constructed on first use in a transaction and
	// reused for the rest of it.
	Scoped
)

func (l Lifetime) String() string {
	if l == Scoped {
		return "scoped"
	}
	return "singleton"
}

// Origin tells built-in handlers apart from handlers added by the host.
type Origin int

const (
	BuiltIn Origin = iota
	Custom
)

func (o Origin) String() string {
	if o == Custom {
		return "custom"
	}
	return "built-in"
}

// Handler processes one event type.
type Handler[T Event] interface {
	Handle(ctx context.Context, event T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T Event] func(ctx context.Context, event T) error

// Handle calls f(ctx, event).
func (f HandlerFunc[T]) Handle(ctx context.Context, event T) error {
	return f(ctx, event)
}

// Descriptor is the immutable metadata of one pipeline step.
type Descriptor struct {
	name      string
	eventType reflect.Type
	order     int
	filters   []Filter
	lifetime  Lifetime
	origin    Origin

	factory func() (any, error)
	invoke  func(ctx context.Context, handler any, event Event) error
}

// Name returns the unique handler name.
func (d Descriptor) Name() string { return d.name }

// EventType returns the event type the handler subscribes to.
func (d Descriptor) EventType() reflect.Type { return d.eventType }

// Order returns the ordering key. Lower runs first.
func (d Descriptor) Order() int { return d.order }

// Filters returns a copy of the filters.
func (d Descriptor) Filters() []Filter { return slices.Clone(d.filters) }

// Lifetime returns the construction mode.
func (d Descriptor) Lifetime() Lifetime { return d.lifetime }

// Origin returns whether the handler is built-in or custom.
func (d Descriptor) Origin() Origin { return d.origin }

// WithOrder returns a copy of d with a different ordering key.
func (d Descriptor) WithOrder(order int) Descriptor {
	d.order = order
	d.filters = slices.Clone(d.filters)
	return d
}

// DescriptorBuilder builds a Descriptor for event type T.
type DescriptorBuilder[T Event] struct {
	d Descriptor
}

// Describe starts building a descriptor for a handler of event type T.
func Describe[T Event](name string) *DescriptorBuilder[T] {
	return &DescriptorBuilder[T]{d: Descriptor{
		name:      name,
		eventType: reflect.TypeFor[T](),
		invoke: func(ctx context.Context, h any, e Event) error {
			return h.(Handler[T]).Handle(ctx, e.(T))
		},
	}}
}

// Order sets the ordering key.
func (b *DescriptorBuilder[T]) Order(order int) *DescriptorBuilder[T] {
	b.d.order = order
	return b
}

// Filter appends filters. All of them must be active for the handler to run.
func (b *DescriptorBuilder[T]) Filter(filters ...Filter) *DescriptorBuilder[T] {
	b.d.filters = append(b.d.filters, filters...)
	return b
}

// Custom marks the handler as provided by the host.
func (b *DescriptorBuilder[T]) Custom() *DescriptorBuilder[T] {
	b.d.origin = Custom
	return b
}

// UseSingleton registers a factory invoked once when the dispatcher is built.
// A factory error is reported as a configuration fault.
func (b *DescriptorBuilder[T]) UseSingleton(factory func() (Handler[T], error)) *DescriptorBuilder[T] {
	b.d.lifetime = Singleton
	b.d.factory = wrapFactory(factory)
	return b
}

// UseScoped registers a factory invoked once per transaction.
func (b *DescriptorBuilder[T]) UseScoped(factory func() (Handler[T], error)) *DescriptorBuilder[T] {
	b.d.lifetime = Scoped
	b.d.factory = wrapFactory(factory)
	return b
}

// UseHandler registers a ready-made singleton handler.
func (b *DescriptorBuilder[T]) UseHandler(h Handler[T]) *DescriptorBuilder[T] {
	return b.UseSingleton(func() (Handler[T], error) { return h, nil })
}

// UseFunc registers a stateless function as a singleton handler.
func (b *DescriptorBuilder[T]) UseFunc(fn func(ctx context.Context, event T) error) *DescriptorBuilder[T] {
	return b.UseHandler(HandlerFunc[T](fn))
}

// Build returns the finished descriptor.
func (b *DescriptorBuilder[T]) Build() Descriptor {
	d := b.d
	d.filters = slices.Clone(b.d.filters)
	return d
}

func wrapFactory[T Event](factory func() (Handler[T], error)) func() (any, error) {
	if factory == nil {
		return nil
	}
	return func() (any, error) {
		h, err := factory()
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}
