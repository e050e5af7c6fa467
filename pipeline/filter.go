package pipeline

import "context"

// Filter decides whether a handler applies to an event. Filters must not
// mutate the event. A handler runs only when all of its filters are active.
type Filter interface {
	IsActive(ctx context.Context, event Event) (bool, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(ctx context.Context, event Event) (bool, error)

// IsActive calls f(ctx, event).
func (f FilterFunc) IsActive(ctx context.Context, event Event) (bool, error) {
	return f(ctx, event)
}

// Not inverts a filter.
func Not(f Filter) Filter {
	return FilterFunc(func(ctx context.Context, event Event) (bool, error) {
		active, err := f.IsActive(ctx, event)
		return !active, err
	})
}

func allActive(ctx context.Context, filters []Filter, event Event) (bool, error) {
	for _, f := range filters {
		active, err := f.IsActive(ctx, event)
		if err != nil || !active {
			return false, err
		}
	}
	return true, nil
}
